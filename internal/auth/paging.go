package auth

import (
	"errors"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	maxLookupIDs    = 100
)

// Page selects a window of a listing. Number is zero-based.
type Page struct {
	Number int `json:"page"`
	Size   int `json:"per_page"`
}

// FirstPage is the window used when a caller does not ask for one.
func FirstPage() Page {
	return Page{Size: DefaultPageSize}
}

func (p Page) Offset() int { return p.Number * p.Size }

func (p Page) Validate() error {
	v := validation{}
	v.check("page", validatePageNumber(p.Number))
	v.check("per_page", validatePageSize(p.Size))
	return v.err()
}

// ParsePage reads query parameters; empty values fall back to FirstPage.
func ParsePage(page, perPage string) (Page, error) {
	p := FirstPage()
	v := validation{}
	if page = strings.TrimSpace(page); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil {
			v.check("page", errors.New("must be an integer"))
		}
		p.Number = n
	}
	if perPage = strings.TrimSpace(perPage); perPage != "" {
		n, err := strconv.Atoi(perPage)
		if err != nil {
			v.check("per_page", errors.New("must be an integer"))
		}
		p.Size = n
	}
	v.check("page", validatePageNumber(p.Number))
	v.check("per_page", validatePageSize(p.Size))
	if err := v.err(); err != nil {
		return Page{}, err
	}
	return p, nil
}

func validatePageNumber(n int) error {
	if n < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func validatePageSize(n int) error {
	if n < 1 || n > MaxPageSize {
		return errors.New("must be between 1 and " + strconv.Itoa(MaxPageSize))
	}
	return nil
}

// cleanIDs trims, drops blanks and duplicates, keeping the first occurrence order.
func cleanIDs(field string, raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	v := validation{}
	switch {
	case len(out) == 0:
		v.check(field, errors.New("at least one id is required"))
	case len(out) > maxLookupIDs:
		v.check(field, errors.New("at most "+strconv.Itoa(maxLookupIDs)+" ids are allowed"))
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	return out, nil
}
