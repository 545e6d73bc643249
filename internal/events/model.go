package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryDead       DeliveryStatus = "dead"
)

type BusEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Channel     Channel        `gorm:"type:text;not null"`
	DedupeKey   string         `gorm:"type:text;not null;uniqueIndex"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	FannedOutAt *time.Time
	CreatedAt   time.Time `gorm:"not null"`
}

func (BusEvent) TableName() string { return "bus_events" }

// BusDelivery tracks one (event, subscriber) pair.
type BusDelivery struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	EventID       snowflake.ID   `gorm:"not null"`
	Channel       Channel        `gorm:"type:text;not null"`
	Subscriber    string         `gorm:"type:text;not null"`
	Status        DeliveryStatus `gorm:"type:text;not null"`
	Attempts      int            `gorm:"not null"`
	LastError     *string
	NextAttemptAt time.Time `gorm:"not null"`
	DeliveredAt   *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (BusDelivery) TableName() string { return "bus_deliveries" }
