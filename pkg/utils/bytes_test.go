package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KB", 1024, false},
		{"512K", 512 * 1024, false},
		{"1MiB", 1 << 20, false},
		{"10GB", 10 << 30, false},
		{" 2 gb ", 2 << 30, false},
		{"1.5M", 3 << 19, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-1GB", 0, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBytes(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "10.0 GB", FormatBytes(10<<30))
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("/var/cache/blobcache", true))
	assert.Error(t, ValidatePath("", true))
	assert.Error(t, ValidatePath("/var/../etc", true))
	assert.Error(t, ValidatePath("/var/cache", false))
	assert.NoError(t, ValidatePath("cache..d/x", false))
}
