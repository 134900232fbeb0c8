// facetagent is a reference analysis agent. It accepts forwarded tasks,
// produces one facet of a business analysis and posts the result back to the
// hub's callback URL. Without an OpenAI key it serves deterministic canned
// analyses, which is enough to exercise the whole callback path locally.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type envelope struct {
	Description string          `json:"description"`
	Type        string          `json:"type"`
	Params      json.RawMessage `json:"params"`
	Context     json.RawMessage `json:"context"`
	CallbackURL string          `json:"callback_url"`
}

type result struct {
	Status        string  `json:"status"`
	Output        *output `json:"output,omitempty"`
	ExecutionTime float64 `json:"execution_time"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	Timestamp     string  `json:"timestamp"`
}

type output struct {
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type agent struct {
	llm    *openai.Client
	model  string
	client *http.Client
}

func main() {
	var (
		addr  = flag.String("addr", ":5001", "HTTP bind address")
		model = flag.String("model", "gpt-4o-mini", "OpenAI model for analyses")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	a := &agent{
		model:  *model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c := openai.NewClient(option.WithAPIKey(key))
		a.llm = &c
		log.Info().Str("model", *model).Msg("LLM analyses enabled")
	} else {
		log.Info().Msg("no OPENAI_API_KEY, serving canned analyses")
	}

	http.HandleFunc("/receive_message", a.receive)
	http.HandleFunc("/", a.receive)

	log.Info().Str("addr", *addr).Msg("facet agent starting")
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
}

func (a *agent) receive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if env.CallbackURL == "" {
		http.Error(w, "callback_url is required", http.StatusBadRequest)
		return
	}

	// Accept now, analyze and call back asynchronously.
	w.WriteHeader(http.StatusAccepted)
	go a.analyze(env)
}

func (a *agent) analyze(env envelope) {
	started := time.Now()
	res := result{Status: "completed", Timestamp: started.UTC().Format(time.RFC3339)}

	out, err := a.produce(env)
	if err != nil {
		log.Error().Err(err).Str("facet", env.Type).Msg("analysis failed")
		res.Status = "failed"
		res.ErrorMessage = err.Error()
	} else {
		res.Output = out
	}
	res.ExecutionTime = time.Since(started).Seconds()

	body, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Msg("marshal result")
		return
	}
	resp, err := a.client.Post(env.CallbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("facet", env.Type).Msg("callback failed")
		return
	}
	defer resp.Body.Close()
	log.Info().Str("facet", env.Type).Int("status", resp.StatusCode).Msg("callback delivered")
}

func (a *agent) produce(env envelope) (*output, error) {
	if a.llm == nil {
		return canned(env.Type), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	prompt := fmt.Sprintf("Produce a concise %s analysis for this business. Input: %s",
		strings.ReplaceAll(env.Type, "_", " "), string(env.Params))

	resp, err := a.llm.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a business analysis specialist. Answer in plain prose with 3 concrete recommendations."),
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(1024),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}
	return &output{Text: resp.Choices[0].Message.Content}, nil
}

// cannedAnalyses keep the agent useful without an API key.
var cannedAnalyses = map[string]struct {
	text string
	recs []string
}{
	"strategic": {
		"Focus on a defensible niche before expanding. Market position is strongest where competitors are slow to localize.",
		[]string{"define a 12-month niche roadmap", "benchmark top 3 competitors quarterly"},
	},
	"creative": {
		"Brand voice is undifferentiated. A consistent visual identity across channels would lift recall.",
		[]string{"commission a brand refresh", "standardize campaign templates"},
	},
	"financial": {
		"Margins are sensitive to input costs. Build a rolling 13-week cash flow forecast.",
		[]string{"negotiate supplier contracts annually", "maintain 3 months of runway"},
	},
	"sales": {
		"Pipeline coverage is thin at the top of the funnel. Referral incentives are underused.",
		[]string{"launch a referral program", "instrument funnel conversion per stage"},
	},
	"swot": {
		"Strengths: local knowledge, agility. Weaknesses: single revenue stream. Opportunities: adjacent segments. Threats: price competition.",
		[]string{"diversify revenue streams", "formalize competitor monitoring"},
	},
	"business_model": {
		"Value proposition is clear but channels are narrow. Partnerships could open distribution cheaply.",
		[]string{"pilot two partnership channels", "revisit pricing tiers"},
	},
	"analytics": {
		"Data collection is ad hoc. A small KPI set tracked weekly beats a large one tracked never.",
		[]string{"adopt a weekly KPI review", "consolidate dashboards into one source"},
	},
}

func canned(facet string) *output {
	c, ok := cannedAnalyses[facet]
	if !ok {
		c.text = "General analysis: insufficient specialization for facet " + facet + "."
		c.recs = []string{"route this task to a specialized agent"}
	}
	data, _ := json.Marshal(map[string]any{"recommendations": c.recs})
	return &output{Text: c.text, Data: data}
}
