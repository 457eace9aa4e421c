package streamengine

// QuotaClass mirrors pool.QuotaClass without importing internal/pool, to
// keep this package usable independently of account-pool wiring.
type QuotaClass string

const (
	QuotaText   QuotaClass = "text"
	QuotaImages QuotaClass = "images"
	QuotaVideos QuotaClass = "videos"
)

const (
	modelImagen = "gemini-imagen"
	modelVeo    = "gemini-veo"
)

// ClassifyModel derives the quota class from a requested model id
// (spec.md's "Quota class" glossary entry).
func ClassifyModel(model string) QuotaClass {
	switch model {
	case modelImagen:
		return QuotaImages
	case modelVeo:
		return QuotaVideos
	default:
		return QuotaText
	}
}

// QueryPart is one element of the stream-assist body's query array.
type QueryPart struct {
	Text string `json:"text"`
}

// StreamAssistBody is the JSON body posted to the upstream "stream assist"
// endpoint (spec.md §4.7).
type StreamAssistBody struct {
	Session               string         `json:"session"`
	Query                 []QueryPart    `json:"query"`
	FileIDs                []string       `json:"fileIds"`
	ToolsSpec             map[string]any `json:"toolsSpec"`
	LanguageCode          string         `json:"languageCode"`
	TimeZone              string         `json:"timeZone"`
	AssistGenerationConfig *struct {
		ModelID string `json:"modelId"`
	} `json:"assistGenerationConfig,omitempty"`
}

// BuildStreamAssistBody assembles the request body, applying the virtual
// model overrides for gemini-imagen/gemini-veo (spec.md §4.7's closing
// paragraph): these replace the default tool set entirely rather than
// augmenting it.
func BuildStreamAssistBody(session, text string, fileIDs []string, model, languageCode, timeZone string, allowedModels map[string]string) StreamAssistBody {
	body := StreamAssistBody{
		Session:      session,
		Query:        []QueryPart{{Text: text}},
		FileIDs:      fileIDs,
		LanguageCode: languageCode,
		TimeZone:     timeZone,
	}

	switch model {
	case modelImagen:
		body.ToolsSpec = map[string]any{"imageGenerationSpec": map[string]any{}}
	case modelVeo:
		body.ToolsSpec = map[string]any{"videoGenerationSpec": map[string]any{}}
	default:
		body.ToolsSpec = map[string]any{"webGroundingSpec": map[string]any{}}
		if mapped, ok := allowedModels[model]; ok && mapped != "" {
			body.AssistGenerationConfig = &struct {
				ModelID string `json:"modelId"`
			}{ModelID: mapped}
		}
	}

	return body
}
