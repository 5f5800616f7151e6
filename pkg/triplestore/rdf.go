package triplestore

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// BaseURI はトリプルストアのリソースURIの共通接頭辞。
const BaseURI = "http://tun.fi/"

const (
	rdfNS = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	xmlNS = "http://www.w3.org/XML/1998/namespace"
)

// ErrEmptyDocument はトリプルストアが空の応答を返したことを表す。
var ErrEmptyDocument = errors.New("トリプルストアから空の応答を受信")

// Value は述語の値を表す。Resource と Literal のどちらか一方のみが設定される。
type Value struct {
	// Resource は参照先リソースの識別子。
	Resource string
	// Literal はリテラル値。
	Literal string
	// Lang はリテラルの言語タグ。
	Lang string
}

// Resource はRDFの主語1件と、その述語・値の組を表す。
type Resource struct {
	// ID はリソースの識別子（例: "MA.0"）。
	ID string
	// Type はリソースの型（例: "MA.person"）。
	Type string
	// Properties は述語ごとの値。キーは "MA.fullName" のような述語名。
	Properties map[string][]Value
}

// Literal は述語の最初のリテラル値を返す。
func (r *Resource) Literal(predicate string) string {
	for _, v := range r.Properties[predicate] {
		if v.Resource == "" {
			return v.Literal
		}
	}
	return ""
}

// LangLiteral は指定した言語タグを持つ述語のリテラル値を返す。
func (r *Resource) LangLiteral(predicate, lang string) string {
	for _, v := range r.Properties[predicate] {
		if v.Resource == "" && v.Lang == lang {
			return v.Literal
		}
	}
	return ""
}

// Resources は述語が参照するリソースの識別子をすべて返す。
func (r *Resource) Resources(predicate string) []string {
	var ids []string
	for _, v := range r.Properties[predicate] {
		if v.Resource != "" {
			ids = append(ids, v.Resource)
		}
	}
	return ids
}

// First は述語の最初の値をリソース参照・リテラルを問わず返す。
func (r *Resource) First(predicate string) string {
	values := r.Properties[predicate]
	if len(values) == 0 {
		return ""
	}
	if values[0].Resource != "" {
		return values[0].Resource
	}
	return values[0].Literal
}

// Short は述語名から名前空間接頭辞を取り除いたキーでプロパティを返す。
// "MA.fullName" は "fullName" になる。
func (r *Resource) Short() map[string][]Value {
	out := make(map[string][]Value, len(r.Properties))
	for k, v := range r.Properties {
		out[ShortName(k)] = v
	}
	return out
}

var prefixPattern = regexp.MustCompile(`^[A-Z]+[.:]`)

// ShortName は "MA.fullName" や "MOS:organization" から名前空間接頭辞を取り除く。
func ShortName(name string) string {
	return prefixPattern.ReplaceAllString(name, "")
}

// Decode はRDF/XML文書を読み取り、主語ごとの Resource を出現順に返す。
func Decode(r io.Reader) ([]Resource, error) {
	dec := xml.NewDecoder(r)

	var (
		resources []Resource
		inRoot    bool
		sawToken  bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("RDF/XMLのパースに失敗: %w", err)
		}
		sawToken = true

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !inRoot && start.Name.Space == rdfNS && start.Name.Local == "RDF" {
			inRoot = true
			continue
		}
		res, err := decodeNode(dec, start)
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	if !sawToken {
		return nil, ErrEmptyDocument
	}
	return resources, nil
}

// decodeNode はノード要素を1件読み取る。終了タグまで消費する。
func decodeNode(dec *xml.Decoder, start xml.StartElement) (Resource, error) {
	res := Resource{
		Type:       typeName(start.Name),
		Properties: make(map[string][]Value),
	}
	for _, attr := range start.Attr {
		if attr.Name.Space == rdfNS && (attr.Name.Local == "about" || attr.Name.Local == "nodeID") {
			res.ID = trimBase(attr.Value)
		}
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return res, fmt.Errorf("RDF/XMLのパースに失敗: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			predicate := typeName(t.Name)
			value, err := decodeProperty(dec, t)
			if err != nil {
				return res, err
			}
			if predicate == "rdf:type" && value.Resource != "" && res.Type == "rdf:Description" {
				res.Type = value.Resource
				continue
			}
			res.Properties[predicate] = append(res.Properties[predicate], value)
		case xml.EndElement:
			return res, nil
		}
	}
}

// decodeProperty は述語要素を1件読み取り、その値を返す。
// 入れ子のノード要素は参照先リソースとして扱う。
func decodeProperty(dec *xml.Decoder, start xml.StartElement) (Value, error) {
	var v Value
	for _, attr := range start.Attr {
		switch {
		case attr.Name.Space == rdfNS && attr.Name.Local == "resource":
			v.Resource = trimBase(attr.Value)
		case attr.Name.Space == xmlNS && attr.Name.Local == "lang":
			v.Lang = attr.Value
		}
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return v, fmt.Errorf("RDF/XMLのパースに失敗: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			nested, err := decodeNode(dec, t)
			if err != nil {
				return v, err
			}
			v.Resource = nested.ID
		case xml.EndElement:
			if v.Resource == "" {
				v.Literal = strings.TrimSpace(text.String())
			}
			return v, nil
		}
	}
}

// typeName は要素名を "MA.person" や "rdf:type" の形式にする。
func typeName(name xml.Name) string {
	switch name.Space {
	case "", BaseURI:
		return name.Local
	case rdfNS:
		return "rdf:" + name.Local
	default:
		return name.Space + name.Local
	}
}

func trimBase(uri string) string {
	return strings.TrimPrefix(uri, BaseURI)
}
