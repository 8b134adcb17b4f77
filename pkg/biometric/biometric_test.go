package biometric

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSensor struct {
	avail   Availability
	outcome Outcome
	// block makes Prompt wait until released, ignoring ctx like a
	// platform dialog would.
	block   chan struct{}
	prompts int
	last    Prompt
}

func (f *fakeSensor) Availability(ctx context.Context) Availability {
	return f.avail
}

func (f *fakeSensor) Prompt(ctx context.Context, p Prompt) Outcome {
	f.prompts++
	f.last = p
	if f.block != nil {
		<-f.block
	}
	return f.outcome
}

type fakeCreds struct {
	set bool
	err error
}

func (f fakeCreds) IsSet(ctx context.Context) (bool, error) {
	return f.set, f.err
}

func availableSensor(out Outcome) *fakeSensor {
	return &fakeSensor{avail: Availability{Status: Available}, outcome: out}
}

func receive(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without an outcome")
		}
		select {
		case extra, ok := <-ch:
			if ok {
				t.Fatalf("second outcome delivered: %+v", extra)
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed after outcome")
		}
		return out
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}
	return Outcome{}
}

func TestNewGate(t *testing.T) {
	old := systemSensor
	t.Cleanup(func() { systemSensor = old })

	SetSystemSensor(nil)
	if HasSystemSensor() {
		t.Fatal("HasSystemSensor after clearing")
	}
	if _, err := NewGate(nil, fakeCreds{}); !errors.Is(err, errSystemSensorUnavailable) {
		t.Fatalf("expected system sensor error, got %v", err)
	}
	if _, err := NewGate(Unsupported{}, nil); err == nil {
		t.Fatal("expected error for nil credential checker")
	}

	SetSystemSensor(Unsupported{})
	if !HasSystemSensor() {
		t.Fatal("HasSystemSensor after install")
	}
	g, err := NewGate(nil, fakeCreds{})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if got := g.Availability(context.Background()); got.Reason != ReasonUnsupported {
		t.Fatalf("system sensor not used: %+v", got)
	}
}

func TestAuthenticateOutcomes(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
	}{
		{name: "success", out: Success()},
		{name: "user error", out: UserError("too many attempts")},
		{name: "sensor fail", out: SensorFail()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sensor := availableSensor(tt.out)
			g, err := NewGate(sensor, fakeCreds{set: true})
			if err != nil {
				t.Fatalf("NewGate: %v", err)
			}
			ch, err := g.Authenticate(context.Background(), Prompt{Title: "Unlock"})
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if got := receive(t, ch); got != tt.out {
				t.Fatalf("outcome = %+v, want %+v", got, tt.out)
			}
			if sensor.last.Title != "Unlock" {
				t.Fatalf("prompt not forwarded: %+v", sensor.last)
			}
		})
	}
}

func TestAuthenticatePreconditions(t *testing.T) {
	boom := errors.New("store offline")
	tests := []struct {
		name    string
		avail   Availability
		creds   fakeCreds
		wantErr error
	}{
		{name: "not enrolled", avail: Availability{Status: Unavailable, Reason: ReasonNotEnrolled}, creds: fakeCreds{set: true}, wantErr: ErrUnavailable},
		{name: "no hardware", avail: Availability{Status: Unavailable, Reason: ReasonNoHardware}, creds: fakeCreds{set: true}, wantErr: ErrUnavailable},
		{name: "no pin", avail: Availability{Status: Available}, creds: fakeCreds{}, wantErr: ErrNoPINFallback},
		{name: "pin check fails", avail: Availability{Status: Available}, creds: fakeCreds{err: boom}, wantErr: ErrNoPINFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sensor := &fakeSensor{avail: tt.avail}
			g, _ := NewGate(sensor, tt.creds)
			ch, err := g.Authenticate(context.Background(), Prompt{})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if ch != nil {
				t.Fatal("channel returned alongside error")
			}
			if sensor.prompts != 0 {
				t.Fatal("sensor prompted despite failed precondition")
			}
		})
	}
}

func TestAuthenticateCancel(t *testing.T) {
	sensor := availableSensor(Success())
	sensor.block = make(chan struct{})
	defer close(sensor.block)

	g, _ := NewGate(sensor, fakeCreds{set: true})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := g.Authenticate(ctx, Prompt{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	cancel()
	if got := receive(t, ch); got != UserError("canceled") {
		t.Fatalf("outcome = %+v, want canceled user error", got)
	}
}

func TestCanceledPromptBlocksUntilSensorReturns(t *testing.T) {
	sensor := availableSensor(Success())
	sensor.block = make(chan struct{})

	g, _ := NewGate(sensor, fakeCreds{set: true})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := g.Authenticate(ctx, Prompt{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	cancel()
	if got := receive(t, ch); got != UserError("canceled") {
		t.Fatalf("outcome = %+v, want canceled user error", got)
	}

	// The sensor ignored ctx and is still showing its prompt.
	if _, err := g.Authenticate(context.Background(), Prompt{}); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress while the sensor is busy, got %v", err)
	}

	close(sensor.block)
	deadline := time.Now().Add(time.Second)
	for {
		ch, err = g.Authenticate(context.Background(), Prompt{})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrInProgress) || time.Now().After(deadline) {
			t.Fatalf("Authenticate after sensor returned: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := receive(t, ch); got != Success() {
		t.Fatalf("outcome = %+v, want success", got)
	}
	if sensor.prompts != 2 {
		t.Fatalf("prompts = %d, want 2", sensor.prompts)
	}
}

func TestAuthenticateSingleFlight(t *testing.T) {
	sensor := availableSensor(Success())
	sensor.block = make(chan struct{})

	g, _ := NewGate(sensor, fakeCreds{set: true})
	ch, err := g.Authenticate(context.Background(), Prompt{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := g.Authenticate(context.Background(), Prompt{}); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	close(sensor.block)
	receive(t, ch)

	sensor.block = nil
	ch, err = g.Authenticate(context.Background(), Prompt{})
	if err != nil {
		t.Fatalf("Authenticate after completion: %v", err)
	}
	receive(t, ch)
}

func TestUnsupported(t *testing.T) {
	g, _ := NewGate(Unsupported{}, fakeCreds{set: true})
	if g.Availability(context.Background()).IsAvailable() {
		t.Fatal("unsupported sensor reported available")
	}
	if _, err := g.Authenticate(context.Background(), Prompt{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNilGate(t *testing.T) {
	var g *Gate
	if _, err := g.Authenticate(context.Background(), Prompt{}); !errors.Is(err, ErrNilGate) {
		t.Fatalf("expected ErrNilGate, got %v", err)
	}
	if g.Availability(context.Background()).IsAvailable() {
		t.Fatal("nil gate reported available")
	}
}

func TestOutcomeIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	g, _ := NewGate(availableSensor(SensorFail()), fakeCreds{set: true}, WithLogger(zap.New(core)))
	ch, err := g.Authenticate(context.Background(), Prompt{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	receive(t, ch)

	entries := logs.FilterMessage("biometric resolved").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["status"]; got != "sensor_fail" {
		t.Fatalf("status field = %v", got)
	}
}
