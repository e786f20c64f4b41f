package models

// Overlay returns r with every non-zero field of in applied on top of it.
// Zero-valued fields in in never erase what r already knows, so partial
// pushes are safe to apply. Status is copied as-is; callers decide ordering.
func (r Request) Overlay(in Request) Request {
	out := r
	if in.ID != "" {
		out.ID = in.ID
	}
	if in.Status != "" {
		out.Status = in.Status
	}
	setString(&out.PatientID, in.PatientID)
	setString(&out.ProviderID, in.ProviderID)
	setString(&out.AilmentCategoryID, in.AilmentCategoryID)
	setString(&out.AilmentCategory, in.AilmentCategory)
	setString(&out.Symptoms, in.Symptoms)
	setString(&out.UrgencyLevel, in.UrgencyLevel)
	setString(&out.PaymentMethod, in.PaymentMethod)
	setString(&out.CancellationReason, in.CancellationReason)
	if in.CancelledBy != "" {
		out.CancelledBy = in.CancelledBy
	}
	if in.EstimatedCost != 0 {
		out.EstimatedCost = in.EstimatedCost
	}
	if in.EstimatedArrival != 0 {
		out.EstimatedArrival = in.EstimatedArrival
	}
	setString(&out.Address.Street, in.Address.Street)
	setString(&out.Address.Locality, in.Address.Locality)
	setString(&out.Address.Region, in.Address.Region)
	if !in.Address.Coordinates.IsZero() {
		out.Address.Coordinates = in.Address.Coordinates
	}
	if in.ProviderLocation != nil {
		loc := *in.ProviderLocation
		out.ProviderLocation = &loc
	}
	out.Timeline = r.Timeline.overlay(in.Timeline)
	if !in.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}
	if !in.UpdatedAt.IsZero() {
		out.UpdatedAt = in.UpdatedAt
	}
	return out
}

func (t Timeline) overlay(in Timeline) Timeline {
	out := t
	if in.ProviderAccepted != nil {
		out.ProviderAccepted = in.ProviderAccepted
	}
	if in.EnRoute != nil {
		out.EnRoute = in.EnRoute
	}
	if in.Arrived != nil {
		out.Arrived = in.Arrived
	}
	if in.InProgress != nil {
		out.InProgress = in.InProgress
	}
	if in.Completed != nil {
		out.Completed = in.Completed
	}
	if in.Cancelled != nil {
		out.Cancelled = in.Cancelled
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
