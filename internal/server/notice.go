package server

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/npezzotti/go-qna/internal/types"
)

func encodeNotice(n types.Notice) ([]byte, error) {
	if n.QuestionIds == nil {
		n.QuestionIds = []int{}
	}
	return sonic.Marshal(n)
}

func decodeNotice(raw []byte) (types.Notice, error) {
	var n types.Notice
	if err := sonic.Unmarshal(raw, &n); err != nil {
		return types.Notice{}, fmt.Errorf("decode notice: %w", err)
	}
	if !n.Kind.Valid() {
		return types.Notice{}, fmt.Errorf("unknown notice type %q", n.Kind)
	}
	return n, nil
}
