package tftpsrv

import (
	"testing"

	"github.com/ktauchathuranga/tftpd-linux/internal/config"
)

func TestNextBlockWrap(t *testing.T) {
	if got := nextBlock(65534, config.BlockWrapOne); got != 65535 {
		t.Fatalf("nextBlock(65534) = %d, want 65535", got)
	}
	if got := nextBlock(65535, config.BlockWrapOne); got != 1 {
		t.Fatalf("wrap-to-one: nextBlock(65535) = %d, want 1", got)
	}
	if got := nextBlock(65535, config.BlockWrapZero); got != 0 {
		t.Fatalf("wrap-to-zero: nextBlock(65535) = %d, want 0", got)
	}
}

func TestIsRetransmit(t *testing.T) {
	cases := []struct {
		got, want uint16
		policy    string
		expect    bool
	}{
		{5, 6, config.BlockWrapOne, true},
		{6, 6, config.BlockWrapOne, false},
		{65535, 1, config.BlockWrapOne, true},
		{65535, 0, config.BlockWrapZero, true},
		{65535, 1, config.BlockWrapZero, false},
		{0, 0, config.BlockWrapZero, false},
	}

	for _, tc := range cases {
		if got := isRetransmit(tc.got, tc.want, tc.policy); got != tc.expect {
			t.Errorf("isRetransmit(%d, %d, %s) = %v, want %v", tc.got, tc.want, tc.policy, got, tc.expect)
		}
	}
}
