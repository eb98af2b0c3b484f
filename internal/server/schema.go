package server

import (
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "strings"

    "github.com/santhosh-tekuri/jsonschema/v5"

    "github.com/local/printcheckout/internal/apperr"
)

const lineSchema = `{
    "type": "object",
    "required": ["slug", "coverVariantId", "quantity"],
    "properties": {
        "slug": {"type": "string", "minLength": 1},
        "coverVariantId": {"type": "string", "minLength": 1},
        "coloredPages": {"type": "array", "items": {"type": "integer", "minimum": 1}},
        "quantity": {"type": "integer", "minimum": 1},
        "coverTextColor": {"type": "string"}
    }
}`

var addToCheckoutSchema = mustSchema("add-to-checkout.json", `{
    "type": "object",
    "required": ["hash", "checkoutId", "channel"],
    "properties": {
        "hash": {"type": "string"},
        "checkoutId": {"type": "string", "minLength": 1},
        "channel": {"type": "string", "minLength": 1},
        "slug": {"type": "string"},
        "coverVariantId": {"type": "string"},
        "coloredPages": {"type": "array", "items": {"type": "integer", "minimum": 1}},
        "quantity": {"type": "integer", "minimum": 1},
        "coverTextColor": {"type": "string"},
        "lines": {"type": "array", "minItems": 1, "items": `+lineSchema+`}
    },
    "anyOf": [
        {"required": ["lines"]},
        {"required": ["slug", "coverVariantId", "quantity"]}
    ]
}`)

var printProductSchema = mustSchema("print-product.json", `{
    "type": "object",
    "required": ["slug", "pageProductId", "coloredPageVariantId", "grayscalePageVariantId"],
    "properties": {
        "slug": {"type": "string", "minLength": 1},
        "coverProductId": {"type": ["string", "null"]},
        "pageProductId": {"type": "string", "minLength": 1},
        "coloredPageVariantId": {"type": "string", "minLength": 1},
        "grayscalePageVariantId": {"type": "string", "minLength": 1}
    }
}`)

func mustSchema(name, src string) *jsonschema.Schema {
    compiler := jsonschema.NewCompiler()
    if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
        panic(fmt.Sprintf("add schema %s: %v", name, err))
    }
    return compiler.MustCompile(name)
}

// decodeValidated checks the request body against schema before decoding it into v.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, v any) error {
    defer r.Body.Close()
    raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
    if err != nil {
        return apperr.Invalid("body", "read failed: "+err.Error())
    }
    var doc any
    if err := json.Unmarshal(raw, &doc); err != nil {
        return apperr.Invalid("body", "invalid json: "+err.Error())
    }
    if err := schema.Validate(doc); err != nil {
        var ve *jsonschema.ValidationError
        if errors.As(err, &ve) {
            return apperr.Invalid("body", leafMessage(ve))
        }
        return apperr.Invalid("body", err.Error())
    }
    if err := json.Unmarshal(raw, v); err != nil {
        return apperr.Invalid("body", "invalid json: "+err.Error())
    }
    return nil
}

// leafMessage reports the most specific failure, e.g. "/quantity: must be >= 1".
func leafMessage(ve *jsonschema.ValidationError) string {
    for len(ve.Causes) > 0 {
        ve = ve.Causes[0]
    }
    loc := ve.InstanceLocation
    if loc == "" {
        loc = "/"
    }
    return loc + ": " + ve.Message
}
