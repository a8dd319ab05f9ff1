package services

import "github.com/harsha-chodavarapu/student-app/internal/domain"

const assistantName = "Educational Content Processor"

const assistantInstructions = `You are an expert educational content processor specializing in creating comprehensive summaries and flashcards from academic materials.

Your capabilities include:
- Analyzing complex academic content with precision
- Creating structured, well-organized summaries
- Generating educational flashcards that promote effective learning
- Identifying key concepts, definitions, and important details

Always prioritize accuracy, completeness, and educational value in your responses.`

const summaryPrompt = `Please provide a comprehensive and detailed summary of the attached document. Your summary should:

1. Structure: organize the content into clear sections with headings
2. Completeness: cover all major topics, concepts, and important details
3. Accuracy: maintain factual accuracy and preserve key information
4. Key points: highlight important definitions, formulas, examples, and conclusions

Format your response as a well-structured summary with:
- A brief overview
- Main topics organized by sections
- Key concepts and definitions
- Important examples or case studies
- Conclusions or main takeaways`

const flashcardsPrompt = `Please create high-quality flashcards for the attached document. Generate 8-12 flashcards with "front" and "back" fields.

Requirements:
1. Coverage: focus on key concepts, definitions, formulas, and important facts
2. Difficulty: mix easy recall questions with more analytical questions
3. Format: use clear, concise language for both sides
4. Structure: return only valid JSON with exactly this shape:
{
  "cards": [
    {"front": "Question or term here", "back": "Answer or definition here"}
  ]
}`

func promptFor(ct domain.ContentType) string {
	if ct == domain.ContentFlashcards {
		return flashcardsPrompt
	}
	return summaryPrompt
}
