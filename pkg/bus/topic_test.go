package bus

import "testing"

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"frame_bytes/cam1", "frame_bytes/cam1", true},
		{"frame_bytes/cam1", "frame_bytes/cam2", false},
		{"frame_bytes/*", "frame_bytes/cam1", true},
		{"frame_bytes/*", "frame_bytes/cam1/extra", false},
		{"*/motion_detected", "cam1/motion_detected", true},
		{"domain/*/*/*", "domain/loaded/camera/cam1", true},
		{"domain/*/*/*", "domain/loaded/camera", false},
	}

	for _, c := range cases {
		if got := matchTopic(c.pattern, c.topic); got != c.want {
			t.Errorf("matchTopic(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}
