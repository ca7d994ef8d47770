package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	tcases := []struct {
		name           string
		serverAddr     string
		databaseDSN    string
		base64Secret   string
		allowedOrigins []string
		expectedErr    string
	}{
		{
			name:           "valid config",
			serverAddr:     "localhost:8000",
			databaseDSN:    "host=localhost user=postgres",
			base64Secret:   "c2VjcmV0",
			allowedOrigins: []string{"http://localhost:3000"},
		},
		{
			name:         "missing server address",
			databaseDSN:  "host=localhost user=postgres",
			base64Secret: "c2VjcmV0",
			expectedErr:  "server address cannot be empty",
		},
		{
			name:         "missing database DSN",
			serverAddr:   "localhost:8000",
			base64Secret: "c2VjcmV0",
			expectedErr:  "database DSN cannot be empty",
		},
		{
			name:        "missing signing secret",
			serverAddr:  "localhost:8000",
			databaseDSN: "host=localhost user=postgres",
			expectedErr: "signing secret cannot be empty",
		},
		{
			name:         "malformed signing secret",
			serverAddr:   "localhost:8000",
			databaseDSN:  "host=localhost user=postgres",
			base64Secret: "not-base64!!",
			expectedErr:  "decode signing secret",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.serverAddr, tc.databaseDSN, tc.base64Secret, tc.allowedOrigins)
			if tc.expectedErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.expectedErr)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.serverAddr, cfg.ServerAddr)
			assert.Equal(t, tc.databaseDSN, cfg.DatabaseDSN)
			assert.Equal(t, []byte("secret"), cfg.SigningKey)
			assert.Equal(t, tc.allowedOrigins, cfg.AllowedOrigins)
		})
	}
}
