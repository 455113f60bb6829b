package main

import "testing"

func TestDownloadFlagContract(t *testing.T) {
	defaults := map[string]string{
		"source":      "chroniclingamerica",
		"publication": "",
		"start-date":  "",
		"end-date":    "",
		"max-items":   "0",
	}
	for name, def := range defaults {
		f := downloadCmd.Flags().Lookup(name)
		if f == nil {
			t.Fatalf("download has no --%s flag", name)
		}
		if f.DefValue != def {
			t.Errorf("--%s default = %q, want %q", name, f.DefValue, def)
		}
	}
}
