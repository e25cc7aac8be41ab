package lmstudio

import "fmt"

// promptTemplate is the fixed extraction instruction. The email text is the
// only variable part, so identical input yields a byte-identical prompt.
const promptTemplate = `Analyze this email and extract the following information in JSON format:

1. Prices in the format:
   casino
   price
   usd
   [number]
   OR
   price
   usd
   [number]

2. Important placement information for column Q:
   - Publication process
   - Link types (dofollow/nofollow)
   - Content requirements
   - Timeline
   - Traffic info
   - Domain metrics (DR, TF, etc.)

3. Additional details for column R:
   - Payment methods
   - Special terms
   - Discounts
   - Contact info
   - Response times
   - Extra requirements

Format the response as valid JSON:
{
    "price_usd": "number only, no symbols",
    "price_usd_casino": "number only if higher than standard",
    "important_info": "key requirements and metrics",
    "comments": "additional details"
}

Email to analyze:
%s

Return ONLY the JSON response.`

// BuildPrompt embeds the email verbatim into the extraction template.
func BuildPrompt(emailText string) string {
	return fmt.Sprintf(promptTemplate, emailText)
}
