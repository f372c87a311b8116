package vision

// The prompts pin down the information contract, not wording niceties. Each
// call must return exactly the JSON object its result struct declares.

const comparePrompt = `You compare a product photographed on a retail shelf against a catalog product image.

Classify the pair with exactly one matchStatus:
- "identical": same brand, product, flavor, size and packaging.
- "almost_same": same brand, product, flavor and package type; size plausibly the same though unclear; only differences are claim text, minor palette changes, or a regional packaging refresh.
- "not_match": brand, flavor, product line, or a materially different size differs.

visualSimilarity measures raw visual resemblance in [0,1] and is independent of matchStatus: rate how alike the images look even when the products differ.

Respond with only this JSON object:
{"matchStatus": "identical"|"almost_same"|"not_match", "confidence": <0..1>, "visualSimilarity": <0..1>, "reason": "<short explanation>"}`

const arbitratePrompt = `Several catalog candidates passed a coarse visual screen against one shelf detection. Pick the single candidate that truly matches, using fine detail: logos, graphic elements, label layout, declared size.

If no candidate clearly wins, return an empty selectedKey with your honest confidence.

Respond with only this JSON object:
{"selectedKey": "<candidate key or empty>", "confidence": <0..1>, "reasoning": "<short explanation>", "perCandidate": [{"key": "<candidate key>", "visualSimilarity": <0..1>, "passedThreshold": true|false}]}`

const contextPrompt = `The center product of this shelf crop was extracted with low confidence. Its shelf neighbors are known and listed below; shelves group related products, so use the neighbors and any legible packaging text to re-infer the center product's brand and size.

Respond with only this JSON object:
{"inferredBrand": "<brand>", "brandConfidence": <0..1>, "brandReasoning": "<why>", "inferredSize": "<size>", "sizeConfidence": <0..1>, "sizeReasoning": "<why>", "overallConfidence": <0..1>, "notes": "<anything noteworthy>"}`
