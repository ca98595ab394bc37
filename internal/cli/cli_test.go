package cli

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePrices(t *testing.T) {
	prices, err := parsePrices([]string{"SHFE.AU=520", " XAU = 2400.5 "})
	if err != nil {
		t.Fatalf("解析价格失败: %v", err)
	}
	if !prices["SHFE.AU"].Equal(decimal.NewFromInt(520)) {
		t.Fatalf("SHFE.AU 价格错误: %s", prices["SHFE.AU"])
	}
	if !prices["XAU"].Equal(decimal.RequireFromString("2400.5")) {
		t.Fatalf("XAU 价格错误: %s", prices["XAU"])
	}

	for _, bad := range []string{"XAU", "=1", "XAU=abc", "XAU=-1", "XAU=0"} {
		if _, err := parsePrices([]string{bad}); err == nil {
			t.Fatalf("期望 %q 解析失败", bad)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "fetch", "fx", "compute", "digest", "bars", "show", "export", "simulate-alert", "test-alert", "migrate", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("缺少命令 %s: %v", name, err)
		}
	}
}
