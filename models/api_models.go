package models

import "time"

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// request for POST /chunked/initialize
type InitializeUploadRequest struct {
	Filename    string `json:"filename"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
	MimeType    string `json:"mimeType"`
}

type SessionSummary struct {
	ID       string       `json:"id"`
	Status   UploadStatus `json:"status"`
	Progress float64      `json:"progress"`
}

// response for POST /chunked/initialize
type InitializeUploadResponse struct {
	UploadID  string         `json:"uploadId"`
	ChunkSize int64          `json:"chunkSize"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Session   SessionSummary `json:"session"`
}

// response for POST /chunked/upload
type ChunkUploadResponse struct {
	ChunkIndex     int     `json:"chunkIndex"`
	UploadedChunks int     `json:"uploadedChunks"`
	TotalChunks    int     `json:"totalChunks"`
	Progress       float64 `json:"progress"`
	IsComplete     bool    `json:"isComplete"`
}

// response for POST /chunked/finalize/{uploadId}
type AudioFileResponse struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	MimeType         string    `json:"mime_type"`
	Status           string    `json:"status"`
	FileSize         int64     `json:"file_size"`
	UploadTime       time.Time `json:"upload_time"`
}

// response for GET /chunked/status/{uploadId}
type UploadStatusResponse struct {
	UploadID         string       `json:"uploadId"`
	Filename         string       `json:"filename"`
	OriginalFilename string       `json:"originalFilename"`
	FileSize         int64        `json:"fileSize"`
	MimeType         string       `json:"mimeType"`
	Status           UploadStatus `json:"status"`
	TotalChunks      int          `json:"totalChunks"`
	UploadedChunks   int          `json:"uploadedChunks"`
	MissingChunks    []int        `json:"missingChunks"`
	Progress         float64      `json:"progress"`
	IsExpired        bool         `json:"isExpired"`
	IsComplete       bool         `json:"isComplete"`
	ExpiresAt        time.Time    `json:"expiresAt"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// response for GET /health
type HealthResponse struct {
	Status        string  `json:"status"`
	Database      string  `json:"database"`
	DiskFreeBytes uint64  `json:"disk_free_bytes"`
	DiskUsedPct   float64 `json:"disk_used_percent"`
}
