package vpn

import (
	"strings"
	"testing"
)

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"valid", Profile{Name: "Work", ConfigPath: "/tmp/c.json"}, false},
		{"missing name", Profile{ConfigPath: "/tmp/c.json"}, true},
		{"missing config path", Profile{Name: "Work"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidator_ValidConfig(t *testing.T) {
	validator := NewConfigValidator()

	config := `{
		"inbounds": [{"type": "tun", "tag": "tun-in"}],
		"outbounds": [
			{"type": "vless", "tag": "proxy", "server": "203.0.113.9", "server_port": 443},
			{"type": "direct", "tag": "direct"},
			{"type": "block", "tag": "block"}
		]
	}`

	if issues := validator.Validate([]byte(config)); len(issues) != 0 {
		t.Errorf("valid config produced issues: %v", issues)
	}
}

func TestConfigValidator_AllSupportedProtocols(t *testing.T) {
	validator := NewConfigValidator()

	for _, protocol := range SupportedOutboundProtocols {
		config := `{"outbounds": [{"type": "` + protocol + `", "tag": "out", "server": "203.0.113.9", "server_port": 8443}]}`
		if issues := validator.Validate([]byte(config)); len(issues) != 0 {
			t.Errorf("protocol %s rejected: %v", protocol, issues)
		}
	}
}

func TestConfigValidator_InvalidConfigs(t *testing.T) {
	validator := NewConfigValidator()

	tests := []struct {
		name   string
		config string
		want   string
	}{
		{
			"malformed json",
			`{"outbounds": [`,
			"not valid JSON",
		},
		{
			"no outbounds",
			`{"inbounds": []}`,
			"no outbounds",
		},
		{
			"unsupported protocol",
			`{"outbounds": [{"type": "teleport", "server": "x", "server_port": 1}]}`,
			"unsupported protocol",
		},
		{
			"missing server",
			`{"outbounds": [{"type": "vmess", "server_port": 443}]}`,
			"missing server address",
		},
		{
			"invalid port",
			`{"outbounds": [{"type": "vmess", "server": "x", "server_port": 70000}]}`,
			"invalid server port",
		},
		{
			"only non-proxy outbounds",
			`{"outbounds": [{"type": "direct"}, {"type": "block"}]}`,
			"no proxy outbound",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := validator.Validate([]byte(tt.config))
			if len(issues) == 0 {
				t.Fatal("expected validation issues")
			}
			found := false
			for _, issue := range issues {
				if strings.Contains(issue, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("issues %v do not mention %q", issues, tt.want)
			}
		})
	}
}

func TestConfigValidator_CollectsAllIssues(t *testing.T) {
	validator := NewConfigValidator()

	// One outbound with two problems plus an unsupported one.
	config := `{"outbounds": [
		{"type": "trojan", "server_port": 0},
		{"type": "carrier-pigeon"}
	]}`

	issues := validator.Validate([]byte(config))
	if len(issues) < 3 {
		t.Errorf("issues = %d, want at least 3: %v", len(issues), issues)
	}
}
