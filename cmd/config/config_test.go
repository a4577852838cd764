package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (no env set)",
			env:  map[string]string{},
			wantCfg: &Config{
				Port:                     8080,
				MetricsPort:              9090,
				HeartbeatIntervalSeconds: 30,
				RelayWSURL:               "ws://localhost:8080/",
				BrowserWSURL:             "ws://localhost:9222/devtools/browser",
				JoinBaseURL:              "https://join.jelly-party.com/",
				PartyID:                  "",
				ClientName:               "Anonymous",
				ClientEmoji:              "",
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"PORT":                       "12345",
				"METRICS_PORT":               "12346",
				"HEARTBEAT_INTERVAL_SECONDS": "10",
				"RELAY_WS_URL":               "wss://relay.jelly-party.com/",
				"PARTY_ID":                   "p-abc123",
				"CLIENT_NAME":                "Ana",
				"CLIENT_EMOJI":               "\U0001F680",
			},
			wantCfg: &Config{
				Port:                     12345,
				MetricsPort:              12346,
				HeartbeatIntervalSeconds: 10,
				RelayWSURL:               "wss://relay.jelly-party.com/",
				BrowserWSURL:             "ws://localhost:9222/devtools/browser",
				JoinBaseURL:              "https://join.jelly-party.com/",
				PartyID:                  "p-abc123",
				ClientName:               "Ana",
				ClientEmoji:              "\U0001F680",
			},
		},
		{
			name: "metrics port collides with ws port",
			env: map[string]string{
				"PORT":         "9090",
				"METRICS_PORT": "9090",
			},
			wantErr: true,
		},
		{
			name: "relay url not a websocket url",
			env: map[string]string{
				"RELAY_WS_URL": "https://relay.jelly-party.com/",
			},
			wantErr: true,
		},
		{
			name: "zero heartbeat",
			env: map[string]string{
				"HEARTBEAT_INTERVAL_SECONDS": "0",
			},
			wantErr: true,
		},
		{
			name: "missing client name (set to empty)",
			env: map[string]string{
				"CLIENT_NAME": "",
			},
			wantErr: true,
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}
