package model

import "testing"

func TestInvoiceStatusTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to InvoiceStatus
		ok       bool
	}{
		{InvoiceStatusProcessing, InvoiceStatusProcessed, true},
		{InvoiceStatusProcessing, InvoiceStatusToProcess, true},
		{InvoiceStatusProcessing, InvoiceStatusError, true},
		{InvoiceStatusToProcess, InvoiceStatusValidated, true},
		{InvoiceStatusProcessed, InvoiceStatusValidated, true},
		{InvoiceStatusError, InvoiceStatusProcessing, true},
		{InvoiceStatusValidated, InvoiceStatusProcessed, false},
		{InvoiceStatusValidated, InvoiceStatusToProcess, false},
		{InvoiceStatusError, InvoiceStatusValidated, false},
		{InvoiceStatusProcessing, InvoiceStatusValidated, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestInvoiceStatusValid(t *testing.T) {
	t.Parallel()

	if !InvoiceStatusValidated.Valid() {
		t.Fatalf("expected VALIDATED to be valid")
	}
	if InvoiceStatus("DONE").Valid() {
		t.Fatalf("expected DONE to be rejected")
	}
}
