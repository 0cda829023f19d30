package req

type ListEventsRequest struct {
	Status    string `form:"status" binding:"omitempty,oneof=pending processing done failed"`
	EventType string `form:"event_type"`
	Source    string `form:"source"`
	Offset    int    `form:"offset" binding:"min=0"`
	Limit     int    `form:"limit" binding:"min=0,max=500"`
}

type EventIDRequest struct {
	ID string `uri:"id" binding:"required,uuid"`
}
