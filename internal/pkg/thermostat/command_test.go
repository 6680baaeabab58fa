package thermostat

import (
	"testing"
	"time"
)

func confirmedState() State {
	return State{
		Key:               Key{PlantID: "plant-1", ModuleID: "mod-1"},
		Name:              "Living room",
		Temperature:       20.8,
		TargetTemperature: 21.0,
		Mode:              ModeHeat,
		Preset:            PresetManual,
		Function:          FunctionHeating,
		Available:         true,
	}
}

func TestRequestSetTemperature(t *testing.T) {
	cmd := Command{Kind: SetTemperature, Target: 22.34}

	req, err := cmd.Request(confirmedState())
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	if req.Mode != "manual" {
		t.Errorf("setting a temperature must switch to manual, got %q", req.Mode)
	}
	if req.SetPoint == nil || req.SetPoint.Value != "22.3" || req.SetPoint.Unit != "C" {
		t.Errorf("unexpected setPoint: %+v", req.SetPoint)
	}
	if req.Function != FunctionHeating {
		t.Errorf("function not carried over, got %q", req.Function)
	}
}

func TestRequestSetMode(t *testing.T) {
	cases := []struct {
		name     string
		mode     Mode
		wantMode string
		wantSP   bool
		wantFn   string
		wantErr  bool
	}{
		{"off", ModeOff, "off", false, FunctionHeating, false},
		{"auto", ModeAuto, "automatic", false, FunctionHeating, false},
		{"heat", ModeHeat, "manual", true, FunctionHeating, false},
		{"cool", ModeCool, "manual", true, FunctionCooling, false},
		{"bogus", Mode("vacation"), "", false, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := Command{Kind: SetMode, Mode: tc.mode}
			req, err := cmd.Request(confirmedState())

			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("building request: %v", err)
			}

			if req.Mode != tc.wantMode {
				t.Errorf("got mode %q, want %q", req.Mode, tc.wantMode)
			}
			if (req.SetPoint != nil) != tc.wantSP {
				t.Errorf("setPoint presence %v, want %v", req.SetPoint != nil, tc.wantSP)
			}
			if req.Function != tc.wantFn {
				t.Errorf("got function %q, want %q", req.Function, tc.wantFn)
			}
		})
	}
}

func TestRequestSetModeNeedsKnownSetpoint(t *testing.T) {
	current := confirmedState()
	current.TargetTemperature = 0

	cmd := Command{Kind: SetMode, Mode: ModeHeat}
	if _, err := cmd.Request(current); err == nil {
		t.Fatal("heat mode without a known setpoint should be rejected")
	}
}

func TestRequestSetPreset(t *testing.T) {
	t.Run("boost carries activation time", func(t *testing.T) {
		cmd := Command{Kind: SetPreset, Preset: PresetBoost, ActivationTime: "2020-05-17T12:30:00"}
		req, err := cmd.Request(confirmedState())
		if err != nil {
			t.Fatalf("building request: %v", err)
		}
		if req.Mode != "boost" || req.ActivationTime != "2020-05-17T12:30:00" {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.SetPoint == nil || req.SetPoint.Value != "21" {
			t.Errorf("boost should fall back to the confirmed setpoint: %+v", req.SetPoint)
		}
	})

	t.Run("manual without any setpoint fails", func(t *testing.T) {
		current := confirmedState()
		current.TargetTemperature = 0
		cmd := Command{Kind: SetPreset, Preset: PresetManual}
		if _, err := cmd.Request(current); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("automatic carries the program", func(t *testing.T) {
		cmd := Command{Kind: SetPreset, Preset: PresetAutomatic, Program: 3}
		req, err := cmd.Request(confirmedState())
		if err != nil {
			t.Fatalf("building request: %v", err)
		}
		if req.Mode != "automatic" {
			t.Errorf("got mode %q", req.Mode)
		}
		if len(req.Programs) != 1 || req.Programs[0].Number != 3 {
			t.Errorf("unexpected programs: %+v", req.Programs)
		}
		if req.SetPoint != nil {
			t.Error("automatic must not carry a setpoint")
		}
	})

	t.Run("unknown preset rejected", func(t *testing.T) {
		cmd := Command{Kind: SetPreset, Preset: Preset("vacation")}
		if _, err := cmd.Request(confirmedState()); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestConfirmed(t *testing.T) {
	s := confirmedState()

	cases := []struct {
		name string
		cmd  Command
		want bool
	}{
		{"matching target", Command{Kind: SetTemperature, Target: 21.0}, true},
		{"target within epsilon", Command{Kind: SetTemperature, Target: 21.01}, true},
		{"different target", Command{Kind: SetTemperature, Target: 22.0}, false},
		{"matching mode", Command{Kind: SetMode, Mode: ModeHeat}, true},
		{"different mode", Command{Kind: SetMode, Mode: ModeOff}, false},
		{"matching preset", Command{Kind: SetPreset, Preset: PresetManual}, true},
		{"different preset", Command{Kind: SetPreset, Preset: PresetBoost}, false},
	}

	for _, tc := range cases {
		if got := tc.cmd.Confirmed(s); got != tc.want {
			t.Errorf("%s: Confirmed() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExpired(t *testing.T) {
	issued := time.Date(2020, 5, 17, 12, 0, 0, 0, time.UTC)
	cmd := Command{Kind: SetTemperature, Target: 22, IssuedAt: issued}

	if cmd.Expired(issued.Add(time.Minute), 2*time.Minute) {
		t.Error("command expired before its timeout")
	}
	if !cmd.Expired(issued.Add(3*time.Minute), 2*time.Minute) {
		t.Error("command not expired after its timeout")
	}
}

func TestApplyTo(t *testing.T) {
	t.Run("temperature", func(t *testing.T) {
		s := confirmedState()
		s.Preset = PresetAutomatic
		s.Mode = ModeAuto

		Command{Kind: SetTemperature, Target: 22.5}.ApplyTo(&s)
		if s.TargetTemperature != 22.5 || s.Preset != PresetManual || s.Mode != ModeHeat {
			t.Errorf("optimistic projection wrong: %+v", s)
		}
	})

	t.Run("mode off", func(t *testing.T) {
		s := confirmedState()
		Command{Kind: SetMode, Mode: ModeOff}.ApplyTo(&s)
		if s.Mode != ModeOff || s.Preset != PresetOff {
			t.Errorf("optimistic projection wrong: %+v", s)
		}
		// readings survive the projection
		if s.Temperature != 20.8 {
			t.Errorf("temperature reading lost: %v", s.Temperature)
		}
	})

	t.Run("preset with target", func(t *testing.T) {
		s := confirmedState()
		Command{Kind: SetPreset, Preset: PresetBoost, Target: 24}.ApplyTo(&s)
		if s.Preset != PresetBoost || s.TargetTemperature != 24 {
			t.Errorf("optimistic projection wrong: %+v", s)
		}
	})
}
