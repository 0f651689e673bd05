package emergency

import (
	"time"

	"dgmonitor/internal/config"
)

// Policy holds the activation safeguards.
type Policy struct {
	Cooldown        time.Duration
	Timeout         time.Duration
	FalseAlarmLimit int
	ConfirmText     string
	// UsedRetention is how long a consumed token is remembered.
	UsedRetention time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Cooldown:        30 * time.Second,
		Timeout:         60 * time.Second,
		FalseAlarmLimit: 3,
		ConfirmText:     "EMERGENCY",
		UsedRetention:   10 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.FalseAlarmLimit <= 0 {
		p.FalseAlarmLimit = d.FalseAlarmLimit
	}
	if p.ConfirmText == "" {
		p.ConfirmText = d.ConfirmText
	}
	if p.UsedRetention <= 0 {
		p.UsedRetention = d.UsedRetention
	}
	return p
}

// PolicyFrom reads the emergency settings from cfg, keeping defaults for unset values.
func PolicyFrom(cfg config.Config) Policy {
	p := DefaultPolicy()
	if cfg.EmergencyCooldown > 0 {
		p.Cooldown = cfg.EmergencyCooldown
	}
	if cfg.EmergencyTimeout > 0 {
		p.Timeout = cfg.EmergencyTimeout
	}
	if cfg.EmergencyFalseAlarmLimit > 0 {
		p.FalseAlarmLimit = cfg.EmergencyFalseAlarmLimit
	}
	if cfg.EmergencyConfirmText != "" {
		p.ConfirmText = cfg.EmergencyConfirmText
	}
	return p
}
