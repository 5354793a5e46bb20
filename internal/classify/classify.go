// Package classify suggests a service category for a free-text task
// description.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	SourceModel    = "model"
	SourceKeywords = "keywords"
)

// Suggestion is a proposed category. An empty Category means no match.
type Suggestion struct {
	Category string `json:"category"`
	Source   string `json:"source"`
}

type Classifier interface {
	Classify(ctx context.Context, text string, categories []string) (Suggestion, error)
}

var ErrNoCategory = errors.New("model returned no known category")

// OpenAI asks a chat completion model to pick a category.
type OpenAI struct {
	Client *openai.Client
	Model  string
}

// NewOpenAI builds a classifier. baseURL may point at any
// OpenAI-compatible endpoint; empty uses the public API.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{Client: openai.NewClientWithConfig(cfg), Model: model}
}

func (o *OpenAI) Classify(ctx context.Context, text string, categories []string) (Suggestion, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Suggestion{}, fmt.Errorf("description is empty")
	}
	prompt := fmt.Sprintf("Analise a seguinte descrição de um serviço doméstico e retorne um objeto JSON com uma única chave \"categoria\". "+
		"A categoria deve ser a mais relevante da seguinte lista: [%s].\n\nDescrição do serviço: %q\n\nResponda APENAS com o objeto JSON.",
		strings.Join(categories, ", "), text)
	resp, err := o.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Suggestion{}, ErrNoCategory
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(content, "```")), "```")
	var out struct {
		Categoria string `json:"categoria"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return Suggestion{}, fmt.Errorf("classify: decode model output: %w", err)
	}
	for _, c := range categories {
		if c == out.Categoria {
			return Suggestion{Category: c, Source: SourceModel}, nil
		}
	}
	return Suggestion{}, ErrNoCategory
}

var keywords = map[string][]string{
	"Montagem de Móveis":          {"montar", "montagem", "movel", "moveis", "guarda-roupa", "armario", "estante", "cama", "rack"},
	"Instalação":                  {"instalar", "instalacao", "chuveiro", "ventilador", "tomada", "luminaria", "suporte", "tv", "ar condicionado"},
	"Pintura":                     {"pintar", "pintura", "tinta", "parede", "massa corrida", "textura"},
	"Reparos Gerais":              {"consertar", "conserto", "reparo", "reparar", "porta", "fechadura", "janela", "quebrad"},
	"Encanamento":                 {"cano", "encanamento", "vazamento", "vazando", "torneira", "pia", "descarga", "esgoto", "entupid"},
	"Faxina e limpeza doméstica":  {"faxina", "limpeza", "limpar", "diarista", "organizar", "passar roupa"},
	"Jardinagem":                  {"jardim", "jardinagem", "grama", "poda", "podar", "plantas", "horta"},
	"Serviços Ecológicos":         {"reciclagem", "compostagem", "solar", "cisterna", "sustentavel", "ecologic"},
}

var folder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a",
	"é", "e", "ê", "e",
	"í", "i",
	"ó", "o", "ô", "o", "õ", "o",
	"ú", "u", "ü", "u",
	"ç", "c",
)

func fold(s string) string { return folder.Replace(strings.ToLower(s)) }

// Suggest picks the category whose keywords occur most often in text.
// Ties go to the category listed first.
func Suggest(text string, categories []string) Suggestion {
	body := fold(text)
	best, bestHits := "", 0
	for _, c := range categories {
		hits := 0
		for _, kw := range keywords[c] {
			hits += strings.Count(body, kw)
		}
		if hits == 0 {
			hits = strings.Count(body, fold(c))
		}
		if hits > bestHits {
			best, bestHits = c, hits
		}
	}
	return Suggestion{Category: best, Source: SourceKeywords}
}
