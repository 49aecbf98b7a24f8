package domain

// Payload is the domain data carried by a work item.
type Payload interface {
	Kind() Kind
	// IndexKey is the value stored in the collection's secondary key index.
	IndexKey() string
}

// FormPayload is a filled clinical form (vitals, assessment, registration).
type FormPayload struct {
	FormType string         `json:"form_type" validate:"required,max=100"`
	MotherID string         `json:"mother_id" validate:"required,max=100"`
	Data     map[string]any `json:"data" validate:"required"`
}

// Kind returns KindForm.
func (p *FormPayload) Kind() Kind { return KindForm }

// IndexKey returns the form type.
func (p *FormPayload) IndexKey() string { return p.FormType }

// ChatPayload is a chat message sent on behalf of a mother.
type ChatPayload struct {
	MotherID string `json:"mother_id" validate:"required,max=100"`
	Message  string `json:"message" validate:"required,max=4000"`
}

// Kind returns KindChat.
func (p *ChatPayload) Kind() Kind { return KindChat }

// IndexKey returns the mother id.
func (p *ChatPayload) IndexKey() string { return p.MotherID }

// DocumentPayload is a file upload with its owner and classification.
type DocumentPayload struct {
	MotherID     string `json:"mother_id" validate:"required,max=100"`
	DocumentType string `json:"document_type" validate:"required,max=100"`
	Name         string `json:"name" validate:"required,max=255"`
	MediaType    string `json:"media_type" validate:"required"`
	Size         int64  `json:"size"`
	Content      []byte `json:"-" validate:"required,min=1"`
}

// Kind returns KindDocument.
func (p *DocumentPayload) Kind() Kind { return KindDocument }

// IndexKey returns the owner id.
func (p *DocumentPayload) IndexKey() string { return p.MotherID }
