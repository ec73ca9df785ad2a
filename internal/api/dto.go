package api

import (
	"github.com/starford/nilmprep/internal/models"
	"github.com/starford/nilmprep/internal/sse"
)

// Status describes the table being replayed.
type Status struct {
	File     string   `json:"file" example:"data/hh-14-merged.csv"`
	DeviceID string   `json:"device_id" example:"17012ab55a436b91e320"`
	Topic    string   `json:"topic" example:"syntised"`
	Rows     int      `json:"rows" example:"86400"`
	Columns  []string `json:"columns"`
}

// StatusResponse adds live server state to Status.
type StatusResponse struct {
	Status
	Clients int `json:"clients" example:"2"`
}

// DeviceListResponse lists the announced sensors.
type DeviceListResponse struct {
	Devices []sse.Event `json:"devices" validate:"required"`
}

// RunListResponse lists recorded runs.
type RunListResponse struct {
	Runs []models.Run `json:"runs" validate:"required"`
}
