package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// usersResponse is the body of GET /users/by-names.
type usersResponse struct {
	Users []User `json:"users"`
}

type User struct {
	ID         FlexID `json:"id"`
	ScreenName string `json:"screen_name"`
	Name       string `json:"name"`
}

// itemsResponse is the body of GET /users/{id}/items. Items are kept raw so
// the payload reaches the sink untouched.
type itemsResponse struct {
	Items []json.RawMessage `json:"items"`
}

// itemHeader is the part of an item the tracker reads.
type itemHeader struct {
	ID  FlexID `json:"id"`
	URL string `json:"url"`
}

// FlexID accepts ids encoded either as JSON numbers or as decimal strings.
type FlexID int64

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("id %q: %w", b, err)
	}
	*f = FlexID(n)
	return nil
}
