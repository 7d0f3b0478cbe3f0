package api

// File is an image to attach to a generation request.
type File struct {
	Data     []byte
	FileName string
	MimeType string
}

// GeneratedImage is one resolution variant produced by a generation
// response. A rendered image usually arrives as two of these, a preview
// and a full-size variant, sharing one token.
type GeneratedImage struct {
	URL      string
	FileName string
	MimeType string
	Width    int
	Height   int
	// Token identifies the image for follow-up operations such as upscaling.
	Token string
	// ChunkID is the response chunk the image arrived in.
	ChunkID string
}

// AttachmentFailure records a file that could not be uploaded. Generation
// proceeds with the attachments that succeeded.
type AttachmentFailure struct {
	FileName string
	Err      error
}

// GenerationResult is the decoded outcome of a generation call.
type GenerationResult struct {
	ConversationID string
	ResponseID     string
	ModelName      string
	Images         []GeneratedImage
	// Failed lists attachments dropped before the request was sent.
	Failed []AttachmentFailure
}

// UpscaleRequest asks the backend for a higher-resolution render of a
// previously generated image.
type UpscaleRequest struct {
	ConversationID string
	ResponseID     string
	ChunkID        string
	ImageToken     string
	Prompt         string
}
