package schemas

// -- LLM Schemas --

// GenerationOptions tunes a single LLM call.
type GenerationOptions struct {
	Temperature     float32
	ForceJSONFormat bool
}

// GenerationRequest is the provider-agnostic envelope for one LLM call.
// ImagePNG, when present, is attached as inline image data for multimodal
// prompts (state verification works off screenshots).
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	ImagePNG     []byte
	Options      GenerationOptions
}
