package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v9"
)

type ESOptions struct {
	URL      string
	Username string
	Password string
}

// NewESClient connects and checks the cluster answers before returning.
func NewESClient(ctx context.Context, opts ESOptions) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{opts.URL},
		Username:  opts.Username,
		Password:  opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: new client: %w", err)
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch: info %s: %s", res.Status(), body)
	}
	return client, nil
}

// AuditIndexer stores each event as a document in one index.
type AuditIndexer struct {
	es    *elasticsearch.Client
	index string
}

func NewAuditIndexer(es *elasticsearch.Client, index string) *AuditIndexer {
	return &AuditIndexer{es: es, index: index}
}

func (a *AuditIndexer) Publish(ctx context.Context, ev Event) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(ev); err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}

	res, err := a.es.Index(a.index, &buf, a.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("audit: index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("audit: index %s: %s", res.Status(), body)
	}
	return nil
}
