package domain

import "fmt"

const DefaultQuestionCount = 40

// BuildAnswers folds per-label predictions into the per-question answer map.
// Every question from 1 to questionCount is present; marked letters are
// appended in label order. Questions outside the range are still recorded.
func BuildAnswers(labels []Label, predictions []bool, questionCount int) (map[string]string, error) {
	if len(labels) != len(predictions) {
		return nil, fmt.Errorf("label/prediction length mismatch: %d labels, %d predictions", len(labels), len(predictions))
	}
	if questionCount <= 0 {
		questionCount = DefaultQuestionCount
	}

	answers := make(map[string]string, questionCount)
	for q := 1; q <= questionCount; q++ {
		answers[questionKey(q)] = ""
	}
	for i, label := range labels {
		if predictions[i] {
			answers[questionKey(label.Question)] += label.Letter
		}
	}
	return answers, nil
}

// AnswerSheetLabels is the label enumeration of the standard sheet: every
// question has the candidate letters in order.
func AnswerSheetLabels(questionCount int, letters []string) []Label {
	labels := make([]Label, 0, questionCount*len(letters))
	for q := 1; q <= questionCount; q++ {
		for _, l := range letters {
			labels = append(labels, Label{Question: q, Letter: l})
		}
	}
	return labels
}
