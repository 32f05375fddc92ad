// Package dustscope trains and serves a two-class ("Clean" / "Dusty") image
// classifier for solar panel photos.
//
// The training pipeline is driven by two documents: config/config.yaml,
// which names every artifact path, and params.yaml, which holds the
// hyperparameters. It runs four stages in order. Each stage reads the
// artifacts of the previous ones from disk:
//
//	Data Ingestion Stage  download the dataset archive and extract it
//	Base Model Stage      build the backbone, freeze it, replace its head
//	Training Stage        fit the head on the training split
//	Evaluation Stage      write scores.json, optionally report to MLflow
//
// # Quick Start
//
//	go install github.com/YuminosukeSato/dustscope/cmd/dustscope@latest
//
//	dustscope run                    # whole pipeline
//	dustscope stage evaluation       # one stage, inputs must exist
//	dustscope serve --listen :8080   # POST /predict {"image": "<base64>"}
//
// # Packages
//
//   - config: typed per-stage configuration from the two documents
//   - artifact: artifact directories and atomic writes
//   - core/model: model snapshots and their persistence
//   - core/parallel: bounded parallel loops
//   - backbone: the classification network
//   - preprocessing: image decoding, transforms and augmentation
//   - dataset: image folder loading, splits and batches
//   - metrics: accuracy, cross-entropy and running statistics
//   - pipeline: the Stage interface and the stage runner
//   - stage: the four pipeline stages
//   - tracking: MLflow and local experiment tracking
//   - serve: the prediction HTTP service
//   - pkg/errors, pkg/log: error taxonomy and structured logging
//
// # License
//
// dustscope is released under the MIT License.
package dustscope
