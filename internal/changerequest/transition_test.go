package changerequest

import (
	"testing"

	"crportal/api/internal/record"
)

func TestApplyTransition(t *testing.T) {
	stamped := func(status record.Status) record.ChangeRequest {
		return record.ChangeRequest{
			Status:       status,
			ApprovedDate: record.StringPtr("2024-01-01"),
			ApprovedBy:   record.StringPtr("Old Approver"),
			RejectedDate: record.StringPtr("2024-01-02"),
			RejectedBy:   record.StringPtr("Old Rejecter"),
		}
	}

	cases := []struct {
		name         string
		from, to     record.Status
		wantApproved string
		wantRejected string
	}{
		{"pending to approved", record.StatusPending, record.StatusApproved, "2024-06-01", ""},
		{"approved to approved", record.StatusApproved, record.StatusApproved, "2024-01-01", "2024-01-02"},
		{"approved to rejected", record.StatusApproved, record.StatusRejected, "", "2024-06-01"},
		{"rejected to pending", record.StatusRejected, record.StatusPending, "", ""},
		{"approved to pending", record.StatusApproved, record.StatusPending, "", ""},
		{"in progress to pending", record.StatusInProgress, record.StatusPending, "2024-01-01", "2024-01-02"},
		{"approved to completed", record.StatusApproved, record.StatusCompleted, "2024-01-01", "2024-01-02"},
		{"pending to in progress", record.StatusPending, record.StatusInProgress, "2024-01-01", "2024-01-02"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cr := stamped(tc.from)
			applyTransition(&cr, tc.to, "2024-06-01", "Actor")
			if cr.Status != tc.to {
				t.Fatalf("status = %q, want %q", cr.Status, tc.to)
			}
			if got := record.Deref(cr.ApprovedDate); got != tc.wantApproved {
				t.Fatalf("approvedDate = %q, want %q", got, tc.wantApproved)
			}
			if got := record.Deref(cr.RejectedDate); got != tc.wantRejected {
				t.Fatalf("rejectedDate = %q, want %q", got, tc.wantRejected)
			}
			if (cr.ApprovedDate == nil) != (cr.ApprovedBy == nil) || (cr.RejectedDate == nil) != (cr.RejectedBy == nil) {
				t.Fatalf("date/actor pairs out of sync: %+v", cr)
			}
		})
	}
}
