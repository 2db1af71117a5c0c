package definition_test

import (
	"testing"
	"time"

	"github.com/noatudor/maestro/definition"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    definition.Version
		wantErr bool
	}{
		{in: "1.0.0", want: definition.Version{Major: 1}},
		{in: "2.13.9", want: definition.Version{Major: 2, Minor: 13, Patch: 9}},
		{in: "0.0.0", want: definition.Version{}},
		{in: "1.0", wantErr: true},
		{in: "1.0.0.0", wantErr: true},
		{in: "1.x.0", wantErr: true},
		{in: "-1.0.0", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := definition.ParseVersion(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseVersion(%q): want error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVersion(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestVersionNewerThan(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"2.0.0", "1.9.9", true},
		{"1.2.0", "1.1.9", true},
		{"1.1.2", "1.1.1", true},
		{"1.1.1", "1.1.1", false},
		{"1.0.0", "2.0.0", false},
	}

	for _, tt := range tests {
		a := definition.MustParseVersion(tt.a)
		b := definition.MustParseVersion(tt.b)
		if got := a.NewerThan(b); got != tt.want {
			t.Errorf("%s.NewerThan(%s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBuilderAssemblesSteps(t *testing.T) {
	def, err := definition.New("order-fulfillment", "1.2.0").
		DisplayName("Order Fulfillment").
		ContextLoader("order_context").
		AutoRetry(3, time.Minute).
		SingleJob("reserve", "jobs.ReserveInventory",
			definition.Produces("reservation"),
			definition.WithCompensation("jobs.ReleaseInventory", 5),
			definition.OnQueue("inventory"),
		).
		FanOut("ship", "jobs.ShipParcel", "parcel_source",
			definition.Requires("reservation"),
			definition.Produces("manifests"),
			definition.WithCriteria(definition.AtLeast(1)),
			definition.WithParallelism(4),
		).
		Polling("track", "jobs.TrackDelivery", definition.PollingConfig{
			Interval:    30 * time.Second,
			MaxAttempts: 20,
		},
			definition.Requires("manifests"),
		).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got := def.QualifiedKey(); got != "order-fulfillment:1.2.0" {
		t.Errorf("QualifiedKey = %q, want %q", got, "order-fulfillment:1.2.0")
	}
	if len(def.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(def.Steps))
	}

	reserve, ok := def.StepByKey("reserve")
	if !ok {
		t.Fatal("StepByKey(reserve): not found")
	}
	if !reserve.Compensable() {
		t.Error("reserve step should be compensable")
	}
	if got := reserve.EffectiveQueue(); got != "inventory" {
		t.Errorf("reserve queue = %q, want inventory", got)
	}
	if got := reserve.EffectivePolicy(); got != definition.FailWorkflow {
		t.Errorf("default policy = %q, want fail_workflow", got)
	}

	ship, _ := def.StepByKey("ship")
	if ship.Kind != definition.KindFanOut {
		t.Errorf("ship kind = %q, want fan_out", ship.Kind)
	}
	if ship.Criteria.Mode != definition.CriteriaAtLeast || ship.Criteria.N != 1 {
		t.Errorf("ship criteria = %+v, want at_least 1", ship.Criteria)
	}

	if _, ok := def.NextStep("ship"); !ok {
		t.Error("NextStep(ship): want track step")
	}
	if !def.IsLastStep("track") {
		t.Error("IsLastStep(track) = false, want true")
	}
	if def.IsLastStep("ship") {
		t.Error("IsLastStep(ship) = true, want false")
	}
	if got := len(def.StepsFrom("ship")); got != 2 {
		t.Errorf("StepsFrom(ship) returned %d steps, want 2", got)
	}
}

func TestBuilderRejectsBadVersion(t *testing.T) {
	_, err := definition.New("broken", "not-a-version").
		SingleJob("only", "jobs.Only").
		Build()
	if err == nil {
		t.Fatal("Build: want version parse error, got nil")
	}
}

func TestSuccessCriteriaEvaluate(t *testing.T) {
	tests := []struct {
		name             string
		criteria         definition.SuccessCriteria
		succeeded, total int
		want             bool
	}{
		{"all pass", definition.All(), 5, 5, true},
		{"all one short", definition.All(), 4, 5, false},
		{"majority clear", definition.Majority(), 3, 5, true},
		{"majority exact half fails", definition.Majority(), 2, 4, false},
		{"majority just over half", definition.Majority(), 3, 4, true},
		{"best effort one", definition.BestEffort(), 1, 100, true},
		{"best effort zero", definition.BestEffort(), 0, 3, false},
		{"at least met", definition.AtLeast(3), 3, 10, true},
		{"at least short", definition.AtLeast(3), 2, 10, false},
		{"zero total vacuous all", definition.All(), 0, 0, true},
		{"zero total vacuous at least", definition.AtLeast(5), 0, 0, true},
		{"unset mode behaves like all", definition.SuccessCriteria{}, 2, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.criteria.Evaluate(tt.succeeded, tt.total); got != tt.want {
				t.Errorf("Evaluate(%d, %d) = %v, want %v", tt.succeeded, tt.total, got, tt.want)
			}
		})
	}
}
