// Command render renders one template to a PDF or PNG artifact.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sheetpress/sheetpress/bridge"
	"github.com/sheetpress/sheetpress/engine"
	"github.com/sheetpress/sheetpress/markup"
	canvasrenderer "github.com/sheetpress/sheetpress/render/canvas"
	"github.com/sheetpress/sheetpress/sandbox"
)

func main() {
	configPath := flag.String("config", "", "config file path (yaml/json/toml)")
	templateID := flag.String("template", "", "template id to render")
	fieldsJSON := flag.String("fields", "{}", "field values as a JSON object")
	assetsJSON := flag.String("assets", "{}", "asset references as a JSON object of slot to ref")
	kind := flag.String("kind", "pdf", "output kind: pdf or png")
	dpi := flag.Float64("dpi", 0, "raster resolution, 0 for the default")
	output := flag.String("out", "", "output file path")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.GetBool("log.development"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if *templateID == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "usage: render -template ID -out FILE [-fields JSON] [-assets JSON] [-kind pdf|png]")
		os.Exit(2)
	}

	if err := run(cfg, logger, *templateID, *fieldsJSON, *assetsJSON, *kind, *dpi, *output); err != nil {
		logger.Error("render failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("templates.dir", "templates")
	v.SetDefault("assets.dir", "assets")
	v.SetDefault("fonts", map[string]string{})
	v.SetDefault("sandbox.budget", "2s")
	v.SetDefault("markup.url", "")
	v.SetDefault("publishing.url", "")
	v.SetDefault("publishing.signerUrl", "")
	v.SetDefault("publishing.pollInterval", "2s")
	v.SetDefault("publishing.maxPolls", 30)
	v.SetDefault("log.development", false)

	v.SetEnvPrefix("SHEETPRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *viper.Viper, logger *zap.Logger, templateID, fieldsJSON, assetsJSON, kind string, dpi float64, output string) error {
	var fieldValues map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fieldValues); err != nil {
		return fmt.Errorf("parsing -fields: %w", err)
	}
	var assetRefs map[string]string
	if err := json.Unmarshal([]byte(assetsJSON), &assetRefs); err != nil {
		return fmt.Errorf("parsing -assets: %w", err)
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	res := eng.Render(context.Background(), engine.Request{
		TemplateID:  templateID,
		FieldValues: fieldValues,
		AssetRefs:   assetRefs,
		Output:      engine.OutputKind(kind),
		DPI:         dpi,
	})
	if !res.OK {
		return fmt.Errorf("%s: %s", res.Err.Kind, res.Err.Message)
	}
	if res.UsedFallback {
		logger.Warn("rendered with fallback script", zap.String("warning", res.Warning))
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(output, res.Bytes, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	logger.Info("artifact written",
		zap.String("path", output),
		zap.Int("bytes", len(res.Bytes)),
		zap.Int64("durationMs", res.Metrics.DurationMS))
	return nil
}

func buildEngine(cfg *viper.Viper, logger *zap.Logger) (*engine.Engine, error) {
	fonts := map[string]canvasrenderer.Resource{}
	for name, path := range cfg.GetStringMapString("fonts") {
		fonts[name] = canvasrenderer.Resource{Path: path}
	}
	renderer := canvasrenderer.New(canvasrenderer.Options{Fonts: fonts})

	eng := &engine.Engine{
		Templates:  &dirTemplateStore{root: cfg.GetString("templates.dir")},
		Assets:     &fileAssetStore{root: cfg.GetString("assets.dir")},
		Renderer:   renderer,
		Typesetter: renderer,
		Sandbox:    sandbox.New(sandbox.Options{WallBudget: cfg.GetDuration("sandbox.budget")}),
		Logger:     logger,
	}

	if url := cfg.GetString("markup.url"); url != "" {
		eng.Markup = markup.NewRasterClient(url)
	}
	if url := cfg.GetString("publishing.url"); url != "" {
		signerURL := cfg.GetString("publishing.signerUrl")
		if signerURL == "" {
			return nil, fmt.Errorf("publishing.url set without publishing.signerUrl")
		}
		eng.Bridge = bridge.New(bridge.Options{
			BaseURL:      url,
			Issuer:       &signerClient{baseURL: signerURL, httpClient: &http.Client{Timeout: 15 * time.Second}},
			PollInterval: cfg.GetDuration("publishing.pollInterval"),
			MaxPolls:     cfg.GetInt("publishing.maxPolls"),
			Logger:       logger,
		})
	}
	return eng, nil
}

// signerClient mints pre-signed blob URLs through the blob gateway's
// signing endpoint.
type signerClient struct {
	baseURL    string
	httpClient *http.Client
}

func (s *signerClient) IssueUpload(ctx context.Context, name string) (string, error) {
	return s.sign(ctx, name, http.MethodPut)
}

func (s *signerClient) IssueDownload(ctx context.Context, name string) (string, error) {
	return s.sign(ctx, name, http.MethodGet)
}

func (s *signerClient) sign(ctx context.Context, name, method string) (string, error) {
	payload, err := json.Marshal(map[string]string{"name": name, "method": method})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/sign", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("sign %s: status %d: %s", name, resp.StatusCode, bytes.TrimSpace(body))
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.URL, nil
}
