package db

import "time"

type ShipmentModel struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Reference string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ShipmentModel) TableName() string {
	return "shipments"
}

type LocationModel struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null"`
	Country   string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (LocationModel) TableName() string {
	return "locations"
}

type ShipmentEventModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ShipmentID   string `gorm:"type:uuid;index:idx_events_shipment_seq,unique;not null"`
	Seq          int64  `gorm:"index:idx_events_shipment_seq,unique;not null"`
	Status       string `gorm:"not null"`
	LocationID   *string
	RecordedAt   time.Time `gorm:"index;not null"`
	RecordedBy   string    `gorm:"not null"`
	MetadataJSON []byte    `gorm:"type:jsonb"`
	Anchored     bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (ShipmentEventModel) TableName() string {
	return "shipment_status_events"
}

type AnchorRequestModel struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	EventID        string `gorm:"type:uuid;uniqueIndex;not null"`
	ShipmentID     string `gorm:"type:uuid;index;not null"`
	Payload        []byte `gorm:"type:jsonb;not null"`
	PayloadHash    string `gorm:"index;not null"`
	State          string `gorm:"index;not null"`
	ProviderHandle *string
	Attempts       int       `gorm:"not null"`
	NextAttemptAt  time.Time `gorm:"index;not null"`
	LastError      *string
	ClaimToken     *string `gorm:"type:uuid"`
	ClaimedAt      *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	SubmittedAt    *time.Time
	ConfirmedAt    *time.Time
	UpdatedAt      time.Time `gorm:"not null"`
}

func (AnchorRequestModel) TableName() string {
	return "anchor_requests"
}
