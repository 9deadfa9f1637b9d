package api

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/podscope/podscope/pkg/logquery"
)

func firstParam(query url.Values, name string) string {
	values := query[name]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func boolParam(query url.Values, name string, fallback bool) (bool, error) {
	raw := firstParam(query, name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Errorf("malformed %s parameter", name)
	}
	return value, nil
}

func intParam(query url.Values, name string) (int, error) {
	raw := firstParam(query, name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("malformed %s parameter", name)
	}
	return value, nil
}

// NewOptionsFromURL decodes the operation contract from query parameters.
// Selection validation itself is left to the engine; this only rejects
// values that do not parse.
func NewOptionsFromURL(u *url.URL) (*logquery.Options, error) {
	query := u.Query()
	opts := logquery.Options{
		Namespace:            firstParam(query, "namespace"),
		PodName:              firstParam(query, "podName"),
		LabelSelector:        firstParam(query, "labelSelector"),
		OwnerKind:            firstParam(query, "ownerKind"),
		OwnerName:            firstParam(query, "ownerName"),
		PodNamePattern:       firstParam(query, "podNamePattern"),
		ContainerNamePattern: firstParam(query, "containerNamePattern"),
		MessagePattern:       firstParam(query, "messagePattern"),
		ExcludePattern:       firstParam(query, "excludePattern"),
		EventType:            firstParam(query, "eventType"),
		OutputStyle:          firstParam(query, "outputStyle"),
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.OutputStyle == "" {
		opts.OutputStyle = logquery.OutputStructured
	}
	if opts.OutputStyle != logquery.OutputStructured && opts.OutputStyle != logquery.OutputText {
		return nil, errors.Errorf("malformed outputStyle parameter: %s", opts.OutputStyle)
	}

	for _, raw := range query["jsonPathFilter"] {
		parts := strings.SplitN(raw, "=", 2)
		filter := logquery.JSONPathFilter{Path: parts[0]}
		if len(parts) == 2 {
			filter.Match = parts[1]
		}
		opts.JSONPathFilters = append(opts.JSONPathFilters, filter)
	}

	if raw := firstParam(query, "tailLines"); raw != "" {
		tailLines, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || tailLines < 0 {
			return nil, errors.New("malformed tailLines parameter")
		}
		opts.TailLines = &tailLines
	}
	if raw := firstParam(query, "since"); raw != "" {
		since, err := time.ParseDuration(raw)
		if err != nil {
			return nil, errors.New("malformed since parameter")
		}
		opts.Since = &since
	}
	if raw := firstParam(query, "sinceTime"); raw != "" {
		sinceTime, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("malformed sinceTime parameter")
		}
		opts.SinceTime = &sinceTime
	}

	var err error
	if opts.Timestamps, err = boolParam(query, "timestamps", true); err != nil {
		return nil, err
	}
	if opts.Previous, err = boolParam(query, "previous", false); err != nil {
		return nil, err
	}
	if raw := firstParam(query, "includeEvents"); raw != "" {
		includeEvents, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("malformed includeEvents parameter")
		}
		opts.IncludeEvents = &includeEvents
	}
	if opts.DurationSeconds, err = intParam(query, "durationSeconds"); err != nil {
		return nil, err
	}
	if opts.DurationSeconds < 0 {
		return nil, errors.New("malformed durationSeconds parameter")
	}
	if opts.MaxLines, err = intParam(query, "maxLines"); err != nil {
		return nil, err
	}
	if opts.MaxLines < 0 {
		return nil, errors.New("malformed maxLines parameter")
	}
	return &opts, nil
}
