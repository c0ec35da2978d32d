package blockdev

import "testing"

func TestIsSameOrPartition(t *testing.T) {
	tests := []struct {
		device string
		source string
		want   bool
	}{
		{"/dev/sdb", "/dev/sdb", true},
		{"/dev/sdb", "/dev/sdb1", true},
		{"/dev/sdb", "/dev/sdb12", true},
		{"/dev/sdb", "/dev/sdba", false},
		{"/dev/sdb", "/dev/sdc1", false},
		{"/dev/nvme0n1", "/dev/nvme0n1p2", true},
		{"/dev/mmcblk0", "/dev/mmcblk0p1", true},
		{"/dev/sdb", "tmpfs", false},
	}

	for _, tt := range tests {
		if got := isSameOrPartition(tt.device, tt.source); got != tt.want {
			t.Errorf("isSameOrPartition(%q, %q) = %v, want %v", tt.device, tt.source, got, tt.want)
		}
	}
}

func TestUnescapeMount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/media/usb", "/media/usb"},
		{`/media/my\040disk`, "/media/my disk"},
		{`/media/tab\011x`, "/media/tab\tx"},
	}

	for _, tt := range tests {
		if got := unescapeMount(tt.in); got != tt.want {
			t.Errorf("unescapeMount(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
