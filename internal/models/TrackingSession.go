package models

import (
	"time"

	"gorm.io/gorm"
)

type TrackingSession struct {
	gorm.Model
	OrderID      string     `json:"order_id" gorm:"index"`
	DriverName   string     `json:"driver_name"`
	DriverPhone  string     `json:"driver_phone"`
	VehicleType  string     `json:"vehicle_type"`
	VehiclePlate string     `json:"vehicle_plate"`
	IsActive     bool       `json:"is_active" gorm:"index"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	EndReason    string     `json:"end_reason"`
}
