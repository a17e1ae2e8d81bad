package smtp

import "testing"

func TestAdmissionConfigValidateRequiresFields(t *testing.T) {
	cfg := &AdmissionConfig{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for empty config")
	}
}

func TestAdmissionConfigValidateAccepts(t *testing.T) {
	cfg := &AdmissionConfig{
		Hostname:       "mail.example.com",
		MaxMessageSize: 1024,
		MaxRecipients:  10,
		Timeouts: Timeouts{
			Idle:    1,
			Command: 1,
			Data:    1,
		},
		Connections: ConnectionLimits{Total: 10, PerIP: 2},
		Rate:        RateLimits{WindowSecs: 60, PerIP: 10, PerUser: 10, CleanupInterval: 1},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestAdmissionConfigValidateGreylistRequiredIfEnabled(t *testing.T) {
	cfg := &AdmissionConfig{
		Hostname:       "mail.example.com",
		MaxMessageSize: 1024,
		MaxRecipients:  10,
		Timeouts:       Timeouts{Idle: 1, Command: 1, Data: 1},
		Connections:    ConnectionLimits{Total: 10, PerIP: 2},
		Rate:           RateLimits{WindowSecs: 60, PerIP: 10, PerUser: 10, CleanupInterval: 1},
		Greylist:       GreylistConfig{Enabled: true},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for enabled greylist missing delay/ttl")
	}
}
