package simulation

// AppointmentRequest is the body of POST /v1/appointments/create.
type AppointmentRequest struct {
	ClientID string          `json:"client_id"`
	Item     AppointmentItem `json:"item"`
}

// AppointmentItem is the appointment being booked.
type AppointmentItem struct {
	ScheduledStart string  `json:"scheduled_start"`
	ScheduledEnd   string  `json:"scheduled_end"`
	PatientName    string  `json:"patient_name"`
	Notes          *string `json:"notes"`
}

// Appointment is one entry returned by GET /v1/appointments/query.
type Appointment struct {
	ID             string `json:"id"`
	ETag           string `json:"etag"`
	PatientName    string `json:"patient_name"`
	ScheduledStart string `json:"scheduled_start"`
	ScheduledEnd   string `json:"scheduled_end"`
	Notes          string `json:"notes,omitempty"`
}
