package sockettest

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes v and panics on failure; test frames are always valid.
func Marshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("sockettest: marshal %T: %v", v, err))
	}
	return b
}
