// Package tokenizer is a thin text codec collaborator. It maps text to vocab
// ids with greedy longest-prefix matching; real BPE merges are out of scope
// for the runtime and live with the model conversion tooling.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int
	BOS    int
	EOS    int

	maxTokenLen int
}

type vocabFile struct {
	Tokens []string `json:"tokens"`
	BOSID  *int     `json:"bos_id"`
	EOSID  *int     `json:"eos_id"`
}

// Load reads a tokenizer.json vocab file.
func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	var vf vocabFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parse tokenizer %s: %w", path, err)
	}
	if len(vf.Tokens) == 0 {
		return nil, fmt.Errorf("tokenizer %s: empty vocab", path)
	}

	t := &Tokenizer{
		Tokens: vf.Tokens,
		Vocab:  make(map[string]int, len(vf.Tokens)),
		BOS:    -1,
		EOS:    -1,
	}
	for i, tok := range vf.Tokens {
		t.Vocab[tok] = i
		if len(tok) > t.maxTokenLen {
			t.maxTokenLen = len(tok)
		}
	}
	if vf.BOSID != nil {
		t.BOS = *vf.BOSID
	}
	if vf.EOSID != nil {
		t.EOS = *vf.EOSID
	}
	return t, nil
}

// Encode maps text to token ids by greedy longest-prefix matching. Bytes with
// no vocab entry are skipped.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for i := 0; i < len(text); {
		end := i + t.maxTokenLen
		if end > len(text) {
			end = len(text)
		}
		matched := false
		for j := end; j > i; j-- {
			if id, ok := t.Vocab[text[i:j]]; ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
	return ids
}

// Decode concatenates the vocab pieces for the given ids. Out-of-range ids
// are ignored.
func (t *Tokenizer) Decode(ids []int) string {
	var out []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		out = append(out, t.Tokens[id]...)
	}
	return string(out)
}
