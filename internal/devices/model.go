package devices

// Record is the persisted directory entry of a device that has connected to the relay.
type Record struct {
	DeviceID         string `gorm:"column:device_id;primaryKey;size:190;not null" json:"deviceId"`
	Name             string `gorm:"column:name;size:190" json:"name"`
	Type             string `gorm:"column:type;size:32;not null" json:"type"`
	Browser          string `gorm:"column:browser;size:64" json:"browser"`
	Platform         string `gorm:"column:platform;size:64" json:"platform,omitempty"`
	UserAgent        string `gorm:"column:user_agent;size:512" json:"userAgent,omitempty"`
	Status           string `gorm:"column:status;size:16;not null" json:"status"`
	FirstSeenSeconds int64  `gorm:"column:first_seen_s;not null" json:"firstSeen"`
	LastSeenSeconds  int64  `gorm:"column:last_seen_s;not null;index" json:"lastSeen"`
}

func (Record) TableName() string {
	return "devices"
}
