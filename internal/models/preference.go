package models

// SystemPreference represents a key/value system preference row. Used for
// SMTP settings, reminder templates and other operator-tunable values.
type SystemPreference struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Key       string `gorm:"uniqueIndex;size:100;not null" json:"key"`
	Value     string `gorm:"type:text" json:"value"`
	ValueType string `gorm:"size:20;default:string" json:"value_type"`
}

func (SystemPreference) TableName() string {
	return "system_preferences"
}
