package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPhoneNumber(t *testing.T) {
	assert.Equal(t, "", MaskPhoneNumber(""))
	assert.Equal(t, "+", MaskPhoneNumber("+"))
	assert.Equal(t, "+******7890", MaskPhoneNumber("+1234567890"))
	assert.Equal(t, "****", MaskPhoneNumber("1234"))
	assert.Equal(t, "+****", MaskPhoneNumber("+1234"))
}

func TestMaskMXID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"@whatsapp_15551234567:example.com", "@whatsapp_*******4567:example.com"},
		{"@alice:example.com", "@*lice:example.com"},
		{"!AbCdEfGhIj:example.com", "!******GhIj:example.com"},
		{"@bob", "@***"},
		{"noserver", "****rver"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskMXID(tt.in))
		})
	}
}

func TestMaskChatName(t *testing.T) {
	assert.Equal(t, "J*** D** (WA)", MaskChatName("John Doe (WA)"))
	assert.Equal(t, "A", MaskChatName("A"))
	assert.Equal(t, "", MaskChatName(""))
}

func TestMaskSensitiveFields(t *testing.T) {
	assert.Nil(t, MaskSensitiveFields(nil))

	masked := MaskSensitiveFields(map[string]interface{}{
		"user_id":  "user123456",
		"room_id":  "!abcdefgh:example.com",
		"body":     "meet at 5",
		"attempt":  2,
		"platform": "whatsapp",
	})

	assert.Equal(t, "******3456", masked["user_id"])
	assert.Equal(t, "!****efgh:example.com", masked["room_id"])
	assert.Equal(t, "[hidden]", masked["body"])
	assert.Equal(t, 2, masked["attempt"])
	assert.Equal(t, "whatsapp", masked["platform"])
}
