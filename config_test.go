package kernelz

import "testing"

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default config", DefaultConfig(), false},
		{"max tasks too small", Config{MaxTasks: 1, StackMinBytes: 256, StackMaxBytes: 1024}, true},
		{"zero stack min", Config{MaxTasks: 4, StackMinBytes: 0, StackMaxBytes: 1024}, true},
		{"max below min", Config{MaxTasks: 4, StackMinBytes: 1024, StackMaxBytes: 256}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewFallsBackToDefaultConfigOnInvalidInput(t *testing.T) {
	k := New(Config{MaxTasks: 1}, &recordingPlatform{})
	if k.cfg.MaxTasks != DefaultMaxTasks {
		t.Errorf("expected New to fall back to DefaultConfig.MaxTasks=%d, got %d", DefaultMaxTasks, k.cfg.MaxTasks)
	}
}

func TestWeightPresetsMonotonic(t *testing.T) {
	if !(WeightLow < WeightNormal && WeightNormal < WeightHigh) {
		t.Errorf("expected WeightLow < WeightNormal < WeightHigh, got %d, %d, %d", WeightLow, WeightNormal, WeightHigh)
	}
}
