package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: deployment "gpt2" has no live replica
	Error string `json:"error"`
	// HTTP status code.
	// example: 503
	Code int `json:"code"`
}

// QueryResponse wraps a task reply returned by POST /v1/deployments/{tag}/query.
type QueryResponse struct {
	// example: gpt2-deployment
	Tag string `json:"tag"`
	// example: text-generation
	Task TaskKind `json:"task"`
	// Index of the replica that served the query.
	// example: 0
	Replica int `json:"replica"`
	// Task reply (MultiStringReply, SingleStringReply or ConversationReply).
	Response Response `json:"response"`
}

// ReplicaStatus summarizes one replica for GET /v1/deployments.
type ReplicaStatus struct {
	Index     int        `json:"index"`
	Liveness  Liveness   `json:"liveness"`
	Endpoints []Endpoint `json:"endpoints"`
	// Startup failure message when Liveness is dead.
	Error string `json:"error,omitempty"`
}

// DeploymentStatus summarizes an active deployment.
type DeploymentStatus struct {
	Tag      string          `json:"tag"`
	Task     TaskKind        `json:"task,omitempty"`
	Model    string          `json:"model,omitempty"`
	Replicas []ReplicaStatus `json:"replicas"`
}

// DeploymentsResponse is returned by GET /v1/deployments.
type DeploymentsResponse struct {
	Deployments []DeploymentStatus `json:"deployments"`
}
