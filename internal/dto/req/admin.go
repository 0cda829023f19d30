package req

type IDRequest struct {
	ID uint64 `uri:"id" binding:"required"`
}

type PageRequest struct {
	Offset int `form:"offset" binding:"min=0"`
	Limit  int `form:"limit" binding:"min=0,max=500"`
}

type CreateEndpointRequest struct {
	SystemName   string `json:"system_name" binding:"required"`
	URL          string `json:"url" binding:"required"`
	SharedSecret string `json:"shared_secret"`
	EventTypes   string `json:"event_types" binding:"required"`
	Status       string `json:"status" binding:"omitempty,oneof=active inactive"`
}

// UpdateEndpointRequest changes only the fields present in the body.
type UpdateEndpointRequest struct {
	URL          *string `json:"url"`
	SharedSecret *string `json:"shared_secret"`
	EventTypes   *string `json:"event_types"`
	Status       *string `json:"status" binding:"omitempty,oneof=active inactive"`
}

type ListEndpointsRequest struct {
	SystemName string `form:"system_name"`
}
