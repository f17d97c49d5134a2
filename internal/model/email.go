package model

import "time"

// ProcessingState 邮件处理状态机
// pending → processing → {completed, failed}，failed 在重试上限内可回到 pending
type ProcessingState string

const (
	StatePending    ProcessingState = "pending"
	StateProcessing ProcessingState = "processing"
	StateCompleted  ProcessingState = "completed"
	StateFailed     ProcessingState = "failed"
)

// Classification 上游分类器打的旅行类目标签
type Classification string

const (
	ClassFlight         Classification = "flight"
	ClassTrain          Classification = "train"
	ClassHotel          Classification = "hotel"
	ClassCarRental      Classification = "car_rental"
	ClassCruise         Classification = "cruise"
	ClassTour           Classification = "tour"
	ClassTravelPlatform Classification = "travel_platform"
	ClassOtherTravel    Classification = "other_travel"
)

// TravelClassifications 允许进入 pipeline 的类目
var TravelClassifications = []Classification{
	ClassFlight, ClassTrain, ClassHotel, ClassCarRental,
	ClassCruise, ClassTour, ClassTravelPlatform, ClassOtherTravel,
}

// IsTravel 是否旅行相关类目
func (c Classification) IsTravel() bool {
	for _, tc := range TravelClassifications {
		if c == tc {
			return true
		}
	}
	return false
}

// Email 已分类的旅行邮件，pipeline 的处理单元
// 仅 Batch State Tracker 改写 processing_state / retry_count
type Email struct {
	ID              string          `json:"id"`
	Subject         string          `json:"subject"`
	Sender          string          `json:"sender"`
	BodyText        string          `json:"body_text"`
	Classification  Classification  `json:"classification"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessingState ProcessingState `json:"processing_state"`
	RetryCount      int             `json:"retry_count"`
	StateChangedAt  time.Time       `json:"state_changed_at"`
	CreatedAt       time.Time       `json:"created_at"`
}
