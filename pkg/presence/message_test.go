package presence_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/hushline/pkg/presence"
)

func TestEncode(t *testing.T) {
	t.Parallel()
	if got := string(presence.Encode(presence.Message{Speaking: true})); got != `{"speaking":true}` {
		t.Errorf("Encode(true) = %s", got)
	}
	if got := string(presence.Encode(presence.Message{})); got != `{"speaking":false}` {
		t.Errorf("Encode(false) = %s", got)
	}
}

func TestDecode_Valid(t *testing.T) {
	t.Parallel()
	m, err := presence.Decode([]byte(` { "speaking" : true } `))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !m.Speaking {
		t.Error("Decode lost speaking=true")
	}
	m, err = presence.Decode(presence.Encode(presence.Message{Speaking: false}))
	if err != nil || m.Speaking {
		t.Errorf("Decode(false) = %+v, %v", m, err)
	}
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"not json", `speaking`},
		{"array", `[true]`},
		{"missing field", `{}`},
		{"wrong type", `{"speaking":"yes"}`},
		{"numeric", `{"speaking":1}`},
		{"extra field", `{"speaking":true,"seq":4}`},
		{"null", `null`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := presence.Decode([]byte(tc.payload)); !errors.Is(err, presence.ErrInvalidMessage) {
				t.Errorf("Decode(%q) error = %v, want ErrInvalidMessage", tc.payload, err)
			}
		})
	}
}
