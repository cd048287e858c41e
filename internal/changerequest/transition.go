package changerequest

import "crportal/api/internal/record"

// applyTransition moves cr to next, stamping or clearing the approval and
// rejection fields. Only entering Approved or Rejected, or returning to
// Pending from either, has side effects.
func applyTransition(cr *record.ChangeRequest, next record.Status, today, actor string) {
	prev := cr.Status
	cr.Status = next

	switch {
	case next == record.StatusApproved && prev != record.StatusApproved:
		cr.ApprovedDate = record.StringPtr(today)
		cr.ApprovedBy = record.StringPtr(actor)
		cr.RejectedDate = nil
		cr.RejectedBy = nil
	case next == record.StatusRejected && prev != record.StatusRejected:
		cr.RejectedDate = record.StringPtr(today)
		cr.RejectedBy = record.StringPtr(actor)
		cr.ApprovedDate = nil
		cr.ApprovedBy = nil
	case next == record.StatusPending && (prev == record.StatusApproved || prev == record.StatusRejected):
		cr.ApprovedDate = nil
		cr.ApprovedBy = nil
		cr.RejectedDate = nil
		cr.RejectedBy = nil
	}
}

func isDecision(prev, next record.Status) bool {
	return prev != next && (next == record.StatusApproved || next == record.StatusRejected)
}
