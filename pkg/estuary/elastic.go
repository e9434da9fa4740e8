package estuary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/events"
)

// ElasticEndpoint indexes every event under its resume token, so a
// redelivered event overwrites itself.
type ElasticEndpoint struct {
	index string
	es    *elasticsearch.Client
}

func NewElasticEndpoint(cfg config.TargetConfig) (*ElasticEndpoint, error) {
	address := cfg.URI
	if address == "" {
		port := cfg.Port
		if port == 0 {
			port = 9200
		}
		address = fmt.Sprintf("http://%s:%d", cfg.Host, port)
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{address},
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: 10 * time.Second,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		},
	})
	if err != nil {
		return nil, NewConnectionError("elasticsearch", "failed to create client", err)
	}
	return &ElasticEndpoint{index: cfg.Collection, es: es}, nil
}

func (ee *ElasticEndpoint) WriteEvent(ctx context.Context, record *events.RecordEvent) error {
	req := esapi.IndexRequest{
		Index:      ee.index,
		DocumentID: record.Token,
		Body:       bytes.NewReader(record.Data),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, ee.es)
	if err != nil {
		return NewWriteError("elasticsearch", "error getting response", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return NewWriteError("elasticsearch", fmt.Sprintf("error indexing document ID=%s", record.Token), fmt.Errorf("status %s", res.Status()))
	}

	var r map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		log.Warn().Err(err).Msg("Error parsing the response body")
		return nil
	}
	log.Debug().Str("status", res.Status()).Interface("result", r["result"]).Interface("version", r["_version"]).Msg("Event indexed")
	return nil
}

func (ee *ElasticEndpoint) Close() error {
	return nil
}
