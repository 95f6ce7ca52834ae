package models

import (
	"time"

	"gorm.io/gorm"
)

type LocationPoint struct {
	gorm.Model
	OrderID   string    `json:"order_id" gorm:"index"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`   // km/h
	Heading   float64   `json:"heading"` // degrees
	Altitude  float64   `json:"altitude"`
	Accuracy  float64   `json:"accuracy"` // meters
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}
