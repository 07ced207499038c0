/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Grid:
    CellDTO, GridViewDTO

  Pledges / payments:
    PledgeDTO, CreatePledgeRequest, IncreasePledgeRequest
    PaymentDTO, CreatePaymentRequest
    ApproveRequest, RejectRequest, AllocationResultDTO

  Ledger:
    TotalsDTO, RemainderDTO

  Batches:
    BatchDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

MONEY FIELDS:
  All monetary amounts cross the wire as decimal strings ("512.50"),
  never floats. Areas likewise.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - grid/types.go: Domain types these mirror
*/
package api

// =============================================================================
// GRID TYPES
// =============================================================================

// CellDTO represents one grid cell in API responses.
type CellDTO struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Position      int    `json:"position"`
	UnitPrice     string `json:"unit_price"`
	AreaPerUnit   string `json:"area_per_unit"`
	State         string `json:"state"`
	DonorName     string `json:"donor_name,omitempty"`
	StatusLabel   string `json:"status_label,omitempty"`
	OwningBatchID string `json:"owning_batch_id,omitempty"`
	AllocatedAt   string `json:"allocated_at,omitempty"`
}

// GridViewDTO is the whole floor in one response.
type GridViewDTO struct {
	Cells    []CellDTO `json:"cells"`
	Total    int       `json:"total"`
	Free     int       `json:"free"`
	Reserved int       `json:"reserved"`
}

// =============================================================================
// PLEDGE / PAYMENT TYPES
// =============================================================================

// PledgeDTO represents a pledge in API responses.
type PledgeDTO struct {
	ID               string `json:"id"`
	DonorID          string `json:"donor_id"`
	DonorName        string `json:"donor_name"`
	DonorPhone       string `json:"donor_phone,omitempty"`
	Amount           string `json:"amount"`
	Status           string `json:"status"`
	Kind             string `json:"kind"`
	OriginalPledgeID string `json:"original_pledge_id,omitempty"`
	PackageID        string `json:"package_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// CreatePledgeRequest is the request to submit a pledge.
type CreatePledgeRequest struct {
	DonorName  string `json:"donor_name"`
	DonorPhone string `json:"donor_phone,omitempty"`
	Amount     string `json:"amount"`
	PackageID  string `json:"package_id,omitempty"`
}

// IncreasePledgeRequest asks to raise an existing pledge by a delta.
type IncreasePledgeRequest struct {
	Amount string `json:"amount"`
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID         string `json:"id"`
	PledgeID   string `json:"pledge_id,omitempty"`
	DonorID    string `json:"donor_id"`
	DonorName  string `json:"donor_name"`
	DonorPhone string `json:"donor_phone,omitempty"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// CreatePaymentRequest is the request to submit a payment. PledgeID is
// set when the payment settles an approved pledge, empty for direct
// payments.
type CreatePaymentRequest struct {
	PledgeID   string `json:"pledge_id,omitempty"`
	DonorName  string `json:"donor_name"`
	DonorPhone string `json:"donor_phone,omitempty"`
	Amount     string `json:"amount"`
}

// ApproveRequest carries the approving admin's identity.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// RejectRequest carries the rejection reason and actor.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor"`
}

// AllocationResultDTO is what an approval returns.
type AllocationResultDTO struct {
	Type            string   `json:"type"` // allocated | accumulated
	Message         string   `json:"message"`
	CellIDs         []string `json:"cell_ids,omitempty"`
	CellCount       int      `json:"cell_count"`
	Area            string   `json:"area"`
	WholeAmount     string   `json:"whole_amount"`
	RemainderBefore string   `json:"remainder_before"`
	RemainderAfter  string   `json:"remainder_after"`
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

// TotalsDTO mirrors the singleton counter row.
type TotalsDTO struct {
	PaidTotal    string `json:"paid_total"`
	PledgedTotal string `json:"pledged_total"`
	GrandTotal   string `json:"grand_total"`
	Version      int64  `json:"version"`
}

// RemainderDTO is one donor's pending fraction.
type RemainderDTO struct {
	DonorKey        string `json:"donor_key"`
	PendingFraction string `json:"pending_fraction"`
	StatusLabel     string `json:"status_label,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

// =============================================================================
// BATCH TYPES
// =============================================================================

// BatchDTO represents an allocation batch in API responses.
type BatchDTO struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	ApprovalStatus   string   `json:"approval_status"`
	OriginalPledgeID string   `json:"original_pledge_id,omitempty"`
	NewPledgeID      string   `json:"new_pledge_id,omitempty"`
	NewPaymentID     string   `json:"new_payment_id,omitempty"`
	DonorName        string   `json:"donor_name"`
	TotalAmount      string   `json:"total_amount"`
	AllocatedCellIDs []string `json:"allocated_cell_ids,omitempty"`
	AllocatedArea    string   `json:"allocated_area"`
	RequestSource    string   `json:"request_source,omitempty"`
	CreatedAt        string   `json:"created_at"`
	ResolvedAt       string   `json:"resolved_at,omitempty"`
	ApprovedBy       string   `json:"approved_by,omitempty"`
}

// =============================================================================
// SCENARIO TYPES
// =============================================================================

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
