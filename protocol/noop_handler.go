package protocol

// NoOpHandler implements MessageHandler with no-op methods.
type NoOpHandler struct{}

func (NoOpHandler) HandleLocationPing(*Envelope, *LocationPing)           {}
func (NoOpHandler) HandleJobStatus(*Envelope, *JobStatus)                 {}
func (NoOpHandler) HandleRouteUpdate(*Envelope, *RouteUpdate)             {}
func (NoOpHandler) HandleJobStatusRejected(*Envelope, *JobStatusRejected) {}
func (NoOpHandler) HandleScheduleEvent(*Envelope, *ScheduleEvent)         {}

var _ MessageHandler = NoOpHandler{}
