package donation

import "testing"

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusConfirmed, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusConfirmed}:   true,
		{StatusPending, StatusFailed}:      true,
		{StatusPending, StatusCancelled}:   true,
		{StatusConfirmed, StatusCompleted}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{Limit: 500}.Normalize()
	if f.Page != 1 || f.Limit != MaxPageSize {
		t.Fatalf("unexpected normalized filter %+v", f)
	}
	if (Filter{Page: 2, Limit: 10}).Offset() != 10 {
		t.Fatalf("unexpected offset")
	}
}
