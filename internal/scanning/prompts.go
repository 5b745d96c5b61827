package scanning

import "fmt"

// receiptScanPrompt is the shared prompt used by all LLM providers for reading receipts
const receiptScanPrompt = `You are analyzing a photo of a shopping receipt. Carefully read all text in the image and extract the following information:

1. **Date**: The transaction date. Convert it to ISO 8601 format (YYYY-MM-DD).

2. **Place**: The store or business name, usually at the top of the receipt.

3. **Items**: Every purchased line. For each line give:
   - "name": the product name as printed, expanded into plain words when it is abbreviated
   - "price": the final price paid for that line as a number. Discounts and coupons are separate lines with a negative price.
   - "description": a short comma separated list of keywords describing the product, in English and Italian

Return ONLY valid JSON in this exact format:
{
  "date": "YYYY-MM-DD",
  "place": "Store Name",
  "items": [
    {"name": "string", "price": 0.00, "description": "string"}
  ]
}

Important:
- Prices must be numbers (not strings), using a dot as decimal separator
- Do not include totals, subtotals, taxes or payment lines as items
- If the image is not a receipt, or it is unreadable or incomplete, return only the word ERROR
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

func itemDescriptionPrompt(name, tag string) string {
	return fmt.Sprintf(`Given a name of an item and a tag (typically refers to a location, like a shop, store names, or a category),
infer and generate a short set of keywords related to the item in both English and Italian. If there is a possibility of multiple interpretations or contexts, generate multiple sets of descriptions.
The set of keywords should be around 10-30 words in each language. Also include a couple of popular brand names sold in Italy for that item, like "TUC" for "crackers", or "Barilla, Rummo, De Cecco" for "pasta". These should be treated like keywords.
Provide each set as comma separated keywords or phrases, without periods and without labels like "Brands: ".

Return ONLY a JSON object with this structure:
{"descriptions": [
  {"en": "string", "it": "string"}
]}

Important rules:
1. If the data is incomplete or unclear, return only the word ERROR
2. The name or the tag can be either in Italian or in English
3. If a quantity is specified in the name, ignore the numeric information

INPUT:
    name: %q
    tag: %q
`, name, tag)
}
