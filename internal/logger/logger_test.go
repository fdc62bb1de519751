package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tt := []struct {
		name      string
		logLevel  string
		logFormat string
		expectErr error
	}{
		{name: "text info", logLevel: "INFO", logFormat: "text"},
		{name: "json debug", logLevel: "DEBUG", logFormat: "json"},
		{name: "tint warn", logLevel: "WARN", logFormat: "tint"},
		{name: "invalid level", logLevel: "LOUD", logFormat: "text", expectErr: ErrInvalidLogLevel},
		{name: "invalid format", logLevel: "INFO", logFormat: "xml", expectErr: ErrInvalidLogFormat},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			// when
			logger, err := New(tc.logLevel, tc.logFormat)

			// then
			if tc.expectErr != nil {
				require.ErrorIs(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}
