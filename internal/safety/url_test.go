package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		safe bool
	}{
		{"https://example.com", true},
		{"http://example.com:8080/path?q=1", true},
		{"https://sub.example.co.uk/", true},
		{"https://93.184.216.34/", true},
		{"https://[2606:2800:220:1:248:1893:25c8:1946]/", true},
		{"HTTPS://Example.COM", true},

		{"", false},
		{"ftp://example.com", false},
		{"file:///etc/passwd", false},
		{"javascript:alert(1)", false},
		{"https://", false},
		{"http://localhost:3000", false},
		{"http://LOCALHOST", false},
		{"http://app.localhost", false},
		{"http://printer.local", false},
		{"http://db.internal", false},
		{"http://router.lan", false},
		{"http://nas.home.arpa", false},
		{"http://intranet", false},
		{"http://127.0.0.1", false},
		{"http://127.1", false},
		{"http://2130706433", false},
		{"http://0x7f.1", false},
		{"http://10.0.0.8", false},
		{"http://172.16.4.4", false},
		{"http://192.168.1.1", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://100.64.0.1", false},
		{"http://0.0.0.0", false},
		{"http://224.0.0.1", false},
		{"http://[::1]/", false},
		{"http://[fe80::1]/", false},
		{"http://[fd00::1]/", false},
		{"http://[::ffff:127.0.0.1]/", false},
		{"http://localhost./", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.safe {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsCode(err, CodeUnsafeURL), "got %v", err)
		})
	}
}
