package ai

import (
	"fmt"
	"strings"
)

const jsonFormatHint = `
Respond strictly in JSON format.
Example:
{
    "document_type": "[detected_document_type]",
    "extracted_data": {
        // ... fields based on document_type
    },
    "full_text": "[full_extracted_text]"
}
`

// BuildPrompt returns the extraction prompt for a document type. Unknown
// types fall back to the generic extraction prompt.
func BuildPrompt(documentType, language string) string {
	if strings.TrimSpace(language) == "" {
		language = "eng"
	}
	var prompt string
	switch strings.ToLower(strings.TrimSpace(documentType)) {
	case "invoice":
		prompt = fmt.Sprintf(`You are an expert OCR system for invoices.
Extract the following key information from this invoice:
"invoice_number", "date" (format YYYY-MM-DD), "due_date" (format YYYY-MM-DD),
"total_amount" (number), "currency", "vendor_name", "customer_name",
"vendor_address", "customer_address",
"items": [ { "description", "quantity" (number), "unit_price" (number), "line_total" (number) } ].
Also provide the "full_text" of the document.
If a field is not found, use null or an empty string as appropriate.
Language hint: %s.`, language)
	case "credit note":
		prompt = fmt.Sprintf(`You are an expert OCR system for credit notes.
Extract the following key information from this credit note:
"credit_note_number", "date" (format YYYY-MM-DD), "original_invoice_number",
"vendor_address", "customer_address",
"total_amount" (number), "currency", "reason_for_credit", "vendor_name", "customer_name".
Also provide the "full_text" of the document.
If a field is not found, use null or an empty string as appropriate.
Language hint: %s.`, language)
	case "receipt":
		prompt = fmt.Sprintf(`You are an expert OCR system for receipts.
Extract the following key information from this receipt:
"merchant_name", "date" (format YYYY-MM-DD), "time" (format HH:MM),
"vendor_address", "customer_address",
"total_amount" (number), "currency", "payment_method", "items": [ { "description", "amount" (number) } ].
Also provide the "full_text" of the document.
If a field is not found, use null or an empty string as appropriate.
Language hint: %s.`, language)
	case "delivery note":
		prompt = fmt.Sprintf(`You are an expert OCR system for delivery notes.
Extract the following key information from this delivery note:
"delivery_note_number", "date" (format YYYY-MM-DD), "delivery_address", "recipient_name", "sender_name",
"vendor_address", "customer_address",
"items": [ { "description", "quantity" (number) } ].
Also provide the "full_text" of the document.
If a field is not found, use null or an empty string as appropriate.
Language hint: %s.`, language)
	default:
		prompt = fmt.Sprintf(`Extract all text from this image and identify the document type.
Provide the extracted text in a structured JSON format, including the detected "document_type" and "full_text".
If you can identify specific fields like dates, names, or amounts, include them in an "extracted_data" object.
Language hint: %s.`, language)
	}
	return prompt + jsonFormatHint
}
