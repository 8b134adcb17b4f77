package credential_test

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-pingate/pkg/credential"
	"github.com/jeremyhahn/go-pingate/pkg/secretstore"
)

func ExampleGate() {
	ctx := context.Background()

	gate, err := credential.NewGate(secretstore.NewMemory(), credential.Config{})
	if err != nil {
		panic(err)
	}
	if err := gate.Set(ctx, "1234"); err != nil {
		panic(err)
	}

	out, _ := gate.Verify(ctx, "0000")
	fmt.Println(out.Status, out.AttemptsRemaining)

	out, _ = gate.Verify(ctx, "1234")
	fmt.Println(out.Status)
	// Output:
	// rejected 4
	// accepted
}

func ExampleGate_lockout() {
	ctx := context.Background()

	gate, err := credential.NewGate(secretstore.NewMemory(), credential.Config{MaxAttempts: 2})
	if err != nil {
		panic(err)
	}
	_ = gate.Set(ctx, "1234")

	_, _ = gate.Verify(ctx, "0000")
	out, _ := gate.Verify(ctx, "0000")
	fmt.Println(out.Status, out.RemainingSeconds())

	// The correct PIN is not consulted while locked out.
	out, _ = gate.Verify(ctx, "1234")
	fmt.Println(out.Status)
	// Output:
	// locked_out 30
	// locked_out
}
