package model

import "time"

// RunState 一次 detection run 的状态
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunStopped   RunState = "stopped"
)

// DetectionRun submit_batch 的受理回执，一次 run 内部再切成多个批次处理
type DetectionRun struct {
	ID           string     `json:"id"`
	EmailIDs     []string   `json:"email_ids"`
	State        RunState   `json:"state"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	NonBooking   int        `json:"non_booking"`
	TripsTouched int        `json:"trips_touched"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Progress 轮询用的进度快照，字段形状沿用检测服务的老协议
type Progress struct {
	IsRunning       bool   `json:"is_running"`
	TotalEmails     int    `json:"total_emails"`
	ProcessedEmails int    `json:"processed_emails"`
	FailedEmails    int    `json:"failed_emails"`
	TripsFound      int    `json:"trips_found"`
	CurrentBatch    int    `json:"current_batch"`
	TotalBatches    int    `json:"total_batches"`
	Finished        bool   `json:"finished"`
	Message         string `json:"message"`
	Error           string `json:"error,omitempty"`
}
